package automation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEverySpec(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "*/30 * * * * *"},
		{time.Second, "*/1 * * * * *"},
		{500 * time.Millisecond, "*/1 * * * * *"},
		{2 * time.Minute, "0 */2 * * * *"},
		{90 * time.Second, "0 */1 * * * *"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, everySpec(c.in), "duration %s", c.in)
	}
}
