package slots

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"taskdialog/internal/domain"
)

var (
	phonePattern = regexp.MustCompile(`^(\+?86)?1[3-9]\d{9}$|^\+?\d{7,15}$`)
	emailPattern = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}$`)
	monthDayRe   = regexp.MustCompile(`^(\d{1,2})月(\d{1,2})[日号]?$`)
	clockRe      = regexp.MustCompile(`^(\d{1,2})[:：](\d{2})$`)
	hourRe       = regexp.MustCompile(`^(上午|早上|下午|晚上)?(\d{1,2})点(?:(\d{1,2})分?|(半))?$`)

	dateLayouts = []string{"2006-01-02", "2006/01/02", "2006.01.02", "2006年1月2日", "2006年01月02日", "20060102", "2006-1-2", "2006/1/2"}

	relativeDays = map[string]int{"今天": 0, "今日": 0, "明天": 1, "明日": 1, "后天": 2, "大后天": 3}

	cnDigits = map[rune]float64{'零': 0, '一': 1, '二': 2, '两': 2, '三': 3, '四': 4, '五': 5, '六': 6, '七': 7, '八': 8, '九': 9}

	truthy = map[string]bool{"是": true, "是的": true, "对": true, "好": true, "好的": true, "确认": true, "要": true, "yes": true, "y": true, "true": true, "ok": true}
	falsy  = map[string]bool{"否": true, "不": true, "不是": true, "不要": true, "取消": true, "no": true, "n": true, "false": true}
)

type Validator struct {
	now func() time.Time
}

func NewValidator(now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{now: now}
}

// Validate coerces raw into the slot's canonical form and applies its rules.
// bound holds the conversation's current values for dependency checks.
func (v *Validator) Validate(slot domain.Slot, raw string, bound map[string]domain.SlotValue) (string, error) {
	value := trimUtterance(raw)
	if value == "" {
		return "", v.fail(slot, "required", "内容不能为空")
	}

	normalized, err := v.coerce(slot, value)
	if err != nil {
		return "", err
	}

	rules := slot.Rules
	if n := utf8.RuneCountInString(normalized); rules.MinLength > 0 && n < rules.MinLength {
		return "", v.fail(slot, "min_length", fmt.Sprintf("至少需要%d个字符", rules.MinLength))
	}
	if n := utf8.RuneCountInString(normalized); rules.MaxLength > 0 && n > rules.MaxLength {
		return "", v.fail(slot, "max_length", fmt.Sprintf("不能超过%d个字符", rules.MaxLength))
	}
	if rules.Pattern != "" {
		re, err := regexp.Compile(rules.Pattern)
		if err != nil {
			return "", &domain.ConfigError{Slot: slot.Name, Err: fmt.Errorf("bad pattern: %w", err)}
		}
		if !re.MatchString(normalized) {
			return "", v.fail(slot, "pattern", "格式不正确")
		}
	}
	if len(rules.Enum) > 0 && slot.Type != domain.SlotEnum {
		if _, ok := matchEnum(rules.Enum, normalized); !ok {
			return "", v.fail(slot, "enum", "可选值为："+strings.Join(rules.Enum, "、"))
		}
	}

	for _, dep := range slot.Dependencies {
		if dep.Kind != domain.DependencyDiffersFrom {
			continue
		}
		other, ok := bound[dep.Slot]
		if ok && strings.EqualFold(other.Value, normalized) {
			return "", v.fail(slot, "differs_from", fmt.Sprintf("不能与%s相同", dep.Slot))
		}
	}
	return normalized, nil
}

func (v *Validator) coerce(slot domain.Slot, value string) (string, error) {
	switch slot.Type {
	case domain.SlotText, "":
		return value, nil
	case domain.SlotNumber:
		n, ok := parseNumber(value)
		if !ok {
			return "", v.fail(slot, "type", "请输入数字")
		}
		if slot.Rules.Min != nil && n < *slot.Rules.Min {
			return "", v.fail(slot, "min", fmt.Sprintf("不能小于%s", formatNumber(*slot.Rules.Min)))
		}
		if slot.Rules.Max != nil && n > *slot.Rules.Max {
			return "", v.fail(slot, "max", fmt.Sprintf("不能大于%s", formatNumber(*slot.Rules.Max)))
		}
		return formatNumber(n), nil
	case domain.SlotDate:
		d, ok := v.parseDate(value)
		if !ok {
			return "", v.fail(slot, "type", "请输入正确的日期，例如 2024-12-15")
		}
		return d.Format("2006-01-02"), nil
	case domain.SlotTime:
		t, ok := parseClock(value)
		if !ok {
			return "", v.fail(slot, "type", "请输入正确的时间，例如 14:30")
		}
		return t, nil
	case domain.SlotEnum:
		canonical, ok := matchEnum(slot.Rules.Enum, value)
		if !ok {
			return "", v.fail(slot, "enum", "可选值为："+strings.Join(slot.Rules.Enum, "、"))
		}
		return canonical, nil
	case domain.SlotBoolean:
		key := strings.ToLower(value)
		if truthy[key] {
			return "true", nil
		}
		if falsy[key] {
			return "false", nil
		}
		return "", v.fail(slot, "type", "请回答是或否")
	case domain.SlotPhone:
		compact := strings.NewReplacer(" ", "", "-", "").Replace(value)
		if !phonePattern.MatchString(compact) {
			return "", v.fail(slot, "type", "请输入正确的手机号")
		}
		return compact, nil
	case domain.SlotEmail:
		if !emailPattern.MatchString(value) {
			return "", v.fail(slot, "type", "请输入正确的邮箱地址")
		}
		return strings.ToLower(value), nil
	}
	return "", &domain.ConfigError{Slot: slot.Name, Err: fmt.Errorf("unknown slot type %q", slot.Type)}
}

func (v *Validator) fail(slot domain.Slot, rule, msg string) *domain.ValidationError {
	if slot.Rules.ErrorMessage != "" {
		msg = slot.Rules.ErrorMessage
	}
	return &domain.ValidationError{Slot: slot.Name, Rule: rule, Message: msg}
}

func (v *Validator) parseDate(value string) (time.Time, bool) {
	now := v.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if days, ok := relativeDays[value]; ok {
		return today.AddDate(0, 0, days), true
	}
	for _, layout := range dateLayouts {
		if d, err := time.ParseInLocation(layout, value, now.Location()); err == nil {
			return d, true
		}
	}
	if m := monthDayRe.FindStringSubmatch(value); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return time.Time{}, false
		}
		d := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, now.Location())
		if d.Day() != day {
			return time.Time{}, false
		}
		if d.Before(today) {
			d = d.AddDate(1, 0, 0)
		}
		return d, true
	}
	return time.Time{}, false
}

func parseClock(value string) (string, bool) {
	if m := clockRe.FindStringSubmatch(value); m != nil {
		h, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if h > 23 || mm > 59 {
			return "", false
		}
		return fmt.Sprintf("%02d:%02d", h, mm), true
	}
	if m := hourRe.FindStringSubmatch(value); m != nil {
		h, _ := strconv.Atoi(m[2])
		mm := 0
		if m[3] != "" {
			mm, _ = strconv.Atoi(m[3])
		}
		if m[4] != "" {
			mm = 30
		}
		if (m[1] == "下午" || m[1] == "晚上") && h < 12 {
			h += 12
		}
		if h > 23 || mm > 59 {
			return "", false
		}
		return fmt.Sprintf("%02d:%02d", h, mm), true
	}
	return "", false
}

func parseNumber(value string) (float64, bool) {
	clean := strings.ReplaceAll(value, ",", "")
	for _, unit := range []string{"个", "位", "张", "人", "晚"} {
		clean = strings.TrimSuffix(clean, unit)
	}
	if n, err := strconv.ParseFloat(clean, 64); err == nil {
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	}
	// Chinese numerals up to 99, e.g. 三, 十二, 二十五
	runes := []rune(clean)
	if len(runes) == 0 || len(runes) > 3 {
		return 0, false
	}
	var total, cur float64
	seen := false
	for _, r := range runes {
		if r == '十' {
			if !seen {
				cur = 1
			}
			total += cur * 10
			cur, seen = 0, false
			continue
		}
		d, ok := cnDigits[r]
		if !ok {
			return 0, false
		}
		cur, seen = d, true
	}
	return total + cur, true
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func matchEnum(values []string, value string) (string, bool) {
	for _, candidate := range values {
		if strings.EqualFold(candidate, value) {
			return candidate, true
		}
	}
	return "", false
}

func trimUtterance(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), "。！？!?.,，；;"))
}
