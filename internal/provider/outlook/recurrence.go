package outlook

import (
	"strconv"
	"strings"
	"time"
)

// dayNames はRFC 5545のBYDAY略称とGraph APIのdaysOfWeek値の対応。
var dayNames = map[string]string{
	"MO": "monday",
	"TU": "tuesday",
	"WE": "wednesday",
	"TH": "thursday",
	"FR": "friday",
	"SA": "saturday",
	"SU": "sunday",
}

// recurrenceFromRRule はRFC 5545のRRULE文字列をGraph APIの
// patternedRecurrenceオブジェクトに変換する。
// 対応範囲はFREQ（DAILY/WEEKLY/MONTHLY/YEARLY）、INTERVAL、BYDAY、
// UNTIL、COUNT。解釈できないルールはnilを返し、呼び出し側は
// 繰り返しなしとして送信する。
func recurrenceFromRRule(rrule string, startTime time.Time, timezone string) map[string]any {
	parts := parseRRule(rrule)

	freq, ok := parts["FREQ"]
	if !ok {
		return nil
	}

	interval := 1
	if v, ok := parts["INTERVAL"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil
		}
		interval = n
	}

	pattern := map[string]any{"interval": interval}
	switch freq {
	case "DAILY":
		pattern["type"] = "daily"
	case "WEEKLY":
		pattern["type"] = "weekly"
		pattern["daysOfWeek"] = daysOfWeek(parts["BYDAY"], startTime)
	case "MONTHLY":
		pattern["type"] = "absoluteMonthly"
		pattern["dayOfMonth"] = startTime.Day()
	case "YEARLY":
		pattern["type"] = "absoluteYearly"
		pattern["dayOfMonth"] = startTime.Day()
		pattern["month"] = int(startTime.Month())
	default:
		return nil
	}

	rng := map[string]any{
		"startDate":          startTime.Format("2006-01-02"),
		"recurrenceTimeZone": timezone,
	}
	switch {
	case parts["UNTIL"] != "":
		until, err := parseUntil(parts["UNTIL"])
		if err != nil {
			return nil
		}
		rng["type"] = "endDate"
		rng["endDate"] = until.Format("2006-01-02")
	case parts["COUNT"] != "":
		n, err := strconv.Atoi(parts["COUNT"])
		if err != nil || n < 1 {
			return nil
		}
		rng["type"] = "numbered"
		rng["numberOfOccurrences"] = n
	default:
		rng["type"] = "noEnd"
	}

	return map[string]any{
		"pattern": pattern,
		"range":   rng,
	}
}

// parseRRule はRRULE文字列をキーと値の組に分解する。
func parseRRule(rrule string) map[string]string {
	rrule = strings.TrimPrefix(rrule, "RRULE:")
	parts := make(map[string]string)
	for _, pair := range strings.Split(rrule, ";") {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		parts[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	return parts
}

// daysOfWeek はBYDAY値をGraph APIの曜日名リストに変換する。
// BYDAYが空の場合はイベント開始日の曜日を使う。
func daysOfWeek(byday string, startTime time.Time) []string {
	if byday == "" {
		return []string{strings.ToLower(startTime.Weekday().String())}
	}
	var days []string
	for _, code := range strings.Split(byday, ",") {
		// "2MO"のような序数付きは序数を落として曜日のみ使う
		code = strings.TrimLeft(strings.TrimSpace(code), "+-0123456789")
		if name, ok := dayNames[code]; ok {
			days = append(days, name)
		}
	}
	if len(days) == 0 {
		return []string{strings.ToLower(startTime.Weekday().String())}
	}
	return days
}

// parseUntil はUNTIL値（基本形式の日付または日時）をパースする。
func parseUntil(value string) (time.Time, error) {
	if t, err := time.Parse("20060102T150405Z", value); err == nil {
		return t, nil
	}
	return time.Parse("20060102", value)
}
