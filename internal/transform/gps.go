package transform

import "strings"

// ToDecimal は度・分・秒と方位（N/S/E/W）から符号付きの10進度を求めます。S と W は負になります。
func ToDecimal(degrees, minutes, seconds float64, ref string) float64 {
	decimal := degrees + minutes/60.0 + seconds/3600.0
	switch strings.ToUpper(strings.TrimSpace(ref)) {
	case "S", "W":
		decimal = -decimal
	}
	return decimal
}
