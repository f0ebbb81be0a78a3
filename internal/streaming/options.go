package streaming

// Option configures a Classifier.
type Option func(*Classifier)

// WithSplitTokens lets the classifier release the part of a fragment that
// precedes an opening construct instead of holding the whole fragment.
// "see **bo" then emits "see " immediately and holds "**bo".
func WithSplitTokens() Option {
	return func(c *Classifier) {
		c.split = true
	}
}

// WithMaxPending bounds how many bytes may be held for a single construct.
// When a held construct grows past n bytes it is released as is. Zero means
// no bound, which keeps long code fences atomic.
func WithMaxPending(n int) Option {
	return func(c *Classifier) {
		if n < 0 {
			n = 0
		}
		c.maxPending = n
	}
}
