// Package validation содержит функции валидации входных данных.
package validation

import "strings"

const trackingPrefix = "MAJ-"

// IsValidTrackingNumber проверяет формат трек-номера: префикс MAJ- и
// непустой хвост из заглавных букв и цифр.
func IsValidTrackingNumber(number string) bool {
	if !strings.HasPrefix(number, trackingPrefix) {
		return false
	}

	tail := number[len(trackingPrefix):]
	if tail == "" {
		return false
	}

	for _, ch := range tail {
		isDigit := ch >= '0' && ch <= '9'
		isUpper := ch >= 'A' && ch <= 'Z'
		if !isDigit && !isUpper {
			return false
		}
	}

	return true
}
