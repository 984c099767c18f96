package folio

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPageImageStemAndID(t *testing.T) {
	p := PageImage{Index: 3, Path: "/tmp/out/page_3.jpg"}
	assert.Equal(t, "page_3", p.Stem())
	assert.Equal(t, "page 3 (page_3.jpg)", p.ID())

	bare := PageImage{Index: 7}
	assert.Equal(t, "page 7", bare.ID())
}

func TestNewResultSetOrdersByPage(t *testing.T) {
	rs := NewResultSet([]PageResult{
		{Page: 5, Image: "page_5.jpg"},
		{Page: 1, Image: "page_1.jpg"},
		{Page: 3, Image: "page_3.jpg"},
	})

	assert.Equal(t, 3, rs.Len())
	assert.Equal(t, []int{1, 3, 5}, rs.Pages())
}

func TestNewResultSetDoesNotAliasInput(t *testing.T) {
	in := []PageResult{{Page: 2}, {Page: 1}}
	_ = NewResultSet(in)
	assert.Equal(t, 2, in[0].Page, "input slice must not be reordered")
}

func TestRateLimitedErrorKind(t *testing.T) {
	var err error = &RateLimitedError{Service: "openai", RetryAfter: 2 * time.Second}
	wrapped := fmt.Errorf("refine page 1: %w", err)

	assert.True(t, errors.Is(wrapped, ErrRateLimited))
	assert.False(t, errors.Is(wrapped, ErrSchema))

	var rl *RateLimitedError
	assert.True(t, errors.As(wrapped, &rl))
	assert.Equal(t, 2*time.Second, rl.RetryAfter)
	assert.Contains(t, err.Error(), "retry after 2s")
}

func TestPageErrorUnwraps(t *testing.T) {
	cause := fmt.Errorf("%w: bad body", ErrSchema)
	err := &PageError{Page: PageImage{Index: 2, Path: "page_2.jpg"}, Stage: "refine", Err: cause}

	assert.True(t, errors.Is(err, ErrSchema))
	assert.Equal(t, "refine: page 2 (page_2.jpg): refinement response does not match schema: bad body", err.Error())
}
