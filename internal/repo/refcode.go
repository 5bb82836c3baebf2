package repo

import (
	"fmt"
	"strconv"
	"strings"
)

// RefCodeFor derives the public referral code of a Telegram user: the
// base36 id in upper case followed by the last two decimal digits.
func RefCodeFor(telegramID int64) string {
	abs := telegramID
	if abs < 0 {
		abs = -abs
	}
	return fmt.Sprintf("%s%02d", strings.ToUpper(strconv.FormatInt(telegramID, 36)), abs%100)
}
