package resolve

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// ErrInvalidDate reports a frontfile request that does not name a usable date.
var ErrInvalidDate = errors.New("invalid date")

var isoLayouts = []string{"2006-01-02", "2006/01/02", "20060102"}

var dateParser = func() *when.Parser {
	p := when.New(nil)
	p.Add(en.All...)
	p.Add(common.All...)
	return p
}()

// ParseDate accepts an ISO date or an English expression such as
// "yesterday" or "last friday", evaluated relative to now.
func ParseDate(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("%w: empty date", ErrInvalidDate)
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, text, now.Location()); err == nil {
			return t, nil
		}
	}
	res, err := dateParser.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidDate, text, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, text)
	}
	y, m, d := res.Time.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
}
