// Package checksum implements the digit and payload checksums used by offline identity documents.
package checksum

// IdentifierLength is the number of digits in a raw identity number.
const IdentifierLength = 12

var (
	verhoeffMultiplication = [10][10]uint8{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
		{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
		{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
		{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
		{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
		{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
		{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
		{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
		{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
	}

	verhoeffPermutation = [8][10]uint8{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
		{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
		{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
		{9, 4, 5, 3, 1, 2, 6, 8, 7, 0},
		{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
		{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
		{7, 0, 4, 6, 9, 1, 3, 2, 5, 8},
	}

	verhoeffInverse = [10]uint8{0, 4, 3, 2, 1, 5, 6, 7, 8, 9}
)

// trivialIdentifiers are rejected regardless of their checksum.
var trivialIdentifiers = map[string]struct{}{
	"000000000000": {},
	"111111111111": {},
}

// WellFormedIdentifier reports whether number is exactly 12 ASCII digits.
func WellFormedIdentifier(number string) bool {
	return len(number) == IdentifierLength && isDigits(number)
}

// ValidIdentifier reports whether number is a well-formed 12 digit identity number
// whose trailing digit is a correct Verhoeff check digit.
func ValidIdentifier(number string) bool {
	if !WellFormedIdentifier(number) {
		return false
	}
	if _, trivial := trivialIdentifiers[number]; trivial {
		return false
	}
	return VerhoeffValid(number)
}

// VerhoeffValid runs the Verhoeff check over digits, last digit included.
// Inputs containing anything but ASCII digits are invalid.
func VerhoeffValid(digits string) bool {
	if !isDigits(digits) {
		return false
	}
	var c uint8
	for i := 0; i < len(digits); i++ {
		digit := digits[len(digits)-1-i] - '0'
		c = verhoeffMultiplication[c][verhoeffPermutation[i%8][digit]]
	}
	return c == 0
}

// VerhoeffDigit returns the check digit to append to prefix.
func VerhoeffDigit(prefix string) (byte, bool) {
	if !isDigits(prefix) {
		return 0, false
	}
	var c uint8
	for i := 0; i < len(prefix); i++ {
		digit := prefix[len(prefix)-1-i] - '0'
		c = verhoeffMultiplication[c][verhoeffPermutation[(i+1)%8][digit]]
	}
	return '0' + verhoeffInverse[c], true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
