package sanitize

import "regexp"

type category struct {
	name     string
	patterns []*regexp.Regexp
}

// catalog is applied in order. Every pattern starts and ends on a word or a
// fixed delimiter so that the redaction marker can never complete a match.
var catalog = []category{
	{"jailbreak_mode", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(DAN|evil|unrestricted|unfiltered|jailbroken)\b`),
		regexp.MustCompile(`(?i)\b(enter|enable|activate)\s+(DAN|developer|god|sudo|admin|jailbreak)\s+mode\b`),
	}},
	{"instruction_override", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(ignore|disregard|forget|skip)\s+(all\s+)?(of\s+)?(the\s+|your\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|prompts?|rules?|directions?|guidelines?)\b`),
		regexp.MustCompile(`(?i)\boverride\s+(your|the)\s+(instructions|rules|system\s+prompt)\b`),
		regexp.MustCompile(`(?i)\bnew\s+instructions\s*:`),
	}},
	{"role_play", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(an?\s+|the\s+)?\w+`),
		regexp.MustCompile(`(?i)\b(act|pretend|behave|roleplay)\s+(as|like)\s+(an?\s+|the\s+)?\w+`),
		regexp.MustCompile(`(?i)\bpretend\s+(that\s+)?(you\s+are|to\s+be)\b`),
		regexp.MustCompile(`(?i)\bfrom\s+now\s+on\s+you\s+are\b`),
	}},
	{"system_prompt_leak", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(reveal|show|print|output|display|repeat)\s+(me\s+)?your\s+(system\s+)?(prompt|instructions|rules|configuration)\b`),
		regexp.MustCompile(`(?i)\bwhat\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions|rules)\b`),
	}},
	{"delimiter_injection", []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\|\s*(system|endoftext|endofturn|im_start|im_end)\s*\|>`),
		regexp.MustCompile(`(?i)\[/?INST\]|\[/?SYS(TEM)?\]`),
	}},
	{"markup_injection", []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bjavascript\s*:`),
		regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`),
	}},
}

// redact replaces catalog matches with Redacted and returns the categories
// that fired along with the number of replacements.
func redact(text string) (string, []string, int) {
	var fired []string
	total := 0
	for _, c := range catalog {
		hit := 0
		for _, re := range c.patterns {
			text = re.ReplaceAllStringFunc(text, func(string) string {
				hit++
				return Redacted
			})
		}
		if hit > 0 {
			fired = append(fired, c.name)
			total += hit
		}
	}
	return text, fired, total
}

// CatalogCategories returns the injection category names in catalog order.
func CatalogCategories() []string {
	out := make([]string, len(catalog))
	for i, c := range catalog {
		out[i] = c.name
	}
	return out
}
