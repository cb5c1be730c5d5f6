package extract

import (
	"context"
	"regexp"
	"strings"

	"taskdialog/internal/domain"
)

var (
	dateRe   = regexp.MustCompile(`\d{4}[-/.年]\d{1,2}[-/.月]\d{1,2}[日号]?|\d{1,2}月\d{1,2}[日号]?|大后天|后天|明天|明日|今天|今日`)
	timeRe   = regexp.MustCompile(`\d{1,2}[:：]\d{2}|(?:上午|早上|下午|晚上)?\d{1,2}点(?:\d{1,2}分?|半)?`)
	numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	cnNumRe  = regexp.MustCompile(`[零一二两三四五六七八九十]+`)
	phoneRe  = regexp.MustCompile(`(?:\+?86[- ]?)?1[3-9]\d[- ]?\d{4}[- ]?\d{4}`)
	emailRe  = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	textPrefixes = []string{"我想从", "我要从", "我从", "从", "我想去", "我要去", "去", "到", "我叫", "是", "在"}
	textSuffixes = []string{"出发", "吧", "的"}
)

const (
	patternConfidence = 0.9
	contextConfidence = 1.0
	textConfidence    = 0.6
)

// Rules extracts values with per-type patterns. A value supplied in the turn
// context under the slot name wins over the utterance.
type Rules struct{}

func NewRules() *Rules {
	return &Rules{}
}

func (r *Rules) ExtractSlot(_ context.Context, slot domain.Slot, utterance string, turnCtx map[string]string) (domain.Extraction, bool, error) {
	if v := strings.TrimSpace(turnCtx[slot.Name]); v != "" {
		return domain.Extraction{Raw: v, Confidence: contextConfidence}, true, nil
	}
	text := strings.TrimSpace(utterance)
	if text == "" {
		return domain.Extraction{}, false, nil
	}

	var re *regexp.Regexp
	switch slot.Type {
	case domain.SlotDate:
		re = dateRe
	case domain.SlotTime:
		re = timeRe
	case domain.SlotNumber:
		if m := numberRe.FindString(text); m != "" {
			return domain.Extraction{Raw: m, Confidence: patternConfidence}, true, nil
		}
		re = cnNumRe
	case domain.SlotPhone:
		re = phoneRe
	case domain.SlotEmail:
		re = emailRe
	case domain.SlotEnum:
		return matchEnum(slot.Rules.Enum, text)
	case domain.SlotBoolean:
		return domain.Extraction{Raw: text, Confidence: textConfidence}, true, nil
	default:
		return domain.Extraction{Raw: stripFiller(text), Confidence: textConfidence}, true, nil
	}
	if m := re.FindString(text); m != "" {
		return domain.Extraction{Raw: m, Confidence: patternConfidence}, true, nil
	}
	return domain.Extraction{}, false, nil
}

// matchEnum prefers the longest enum value mentioned in the text.
func matchEnum(values []string, text string) (domain.Extraction, bool, error) {
	lower := strings.ToLower(text)
	best := ""
	for _, v := range values {
		if strings.Contains(lower, strings.ToLower(v)) && len(v) > len(best) {
			best = v
		}
	}
	if best == "" {
		return domain.Extraction{}, false, nil
	}
	return domain.Extraction{Raw: best, Confidence: patternConfidence}, true, nil
}

func stripFiller(text string) string {
	out := strings.TrimRight(text, "。！？!?.,，")
	for _, p := range textPrefixes {
		if rest := strings.TrimPrefix(out, p); rest != out && rest != "" {
			out = rest
			break
		}
	}
	for _, s := range textSuffixes {
		if rest := strings.TrimSuffix(out, s); rest != out && rest != "" {
			out = rest
			break
		}
	}
	return strings.TrimSpace(out)
}
