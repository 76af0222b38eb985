package automation

import "time"

// MatchTimeString parses an HH:MM:SS clock string into the instant at that
// time on now's calendar day. It reports false for anything else.
func MatchTimeString(now time.Time, s string) (time.Time, bool) {
	if len(s) != 8 || s[2] != ':' || s[5] != ':' {
		return time.Time{}, false
	}

	hour, ok := twoDigits(s[0:2])
	if !ok || hour > 23 {
		return time.Time{}, false
	}
	minute, ok := twoDigits(s[3:5])
	if !ok || minute > 59 {
		return time.Time{}, false
	}
	second, ok := twoDigits(s[6:8])
	if !ok || second > 59 {
		return time.Time{}, false
	}

	y, m, d := now.Date()
	return time.Date(y, m, d, hour, minute, second, 0, now.Location()), true
}

func twoDigits(s string) (int, bool) {
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return 0, false
	}
	return int(s[0]-'0')*10 + int(s[1]-'0'), true
}
