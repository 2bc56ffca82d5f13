package progress

import (
	"fmt"
	"time"

	"github.com/schollz/progressbar/v3"
)

type Bar struct {
	*progressbar.ProgressBar
}

// NewBar renders a terminal progress bar, used by the CLI while the
// synchronizer walks the mismatched tables.
func NewBar(max int64, description string) *Bar {
	bar := progressbar.NewOptions64(max,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(50),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	return &Bar{ProgressBar: bar}
}

func (b *Bar) Increment() {
	if b == nil || b.ProgressBar == nil {
		return
	}
	b.Add(1)
}

func (b *Bar) Finish() {
	if b == nil || b.ProgressBar == nil {
		return
	}
	b.ProgressBar.Finish()
}
