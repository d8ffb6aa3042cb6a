// Package outputs intercepts oversized tool results so they never enter the
// conversation wholesale. The full text is cached under an opaque ID; the
// model receives a short preview and reads the rest in pages.
package outputs

import (
	"fmt"
	"sync"
	"time"

	"github.com/effective-security/toolchat/pkg/metricskey"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolchat", "outputs")

const (
	// DefaultThreshold is the output size, in characters, above which a tool
	// result is intercepted.
	DefaultThreshold = 2000
	// DefaultReadLimit is the default page size for reading a cached result.
	DefaultReadLimit = 2000
	// DefaultTTL is how long cached results are kept.
	DefaultTTL = time.Hour

	previewSize = 500
)

// NotFoundMessage is returned to the model when a result ID is unknown. It
// is a tool result, not an error; the model is expected to recover.
const NotFoundMessage = "Error: Result ID not found or expired."

// Notice describes one intercepted output. It replaces the raw result in the
// tool reply sent to the model.
type Notice struct {
	ID          string `json:"result_id"`
	Length      int    `json:"length"`
	Summary     string `json:"summary"`
	Preview     string `json:"preview"`
	Instruction string `json:"system_instruction"`
}

// Message renders the compact tool reply carrying the notice.
func (n *Notice) Message() string {
	return fmt.Sprintf("Output intercepted. %s Use read_large_output with result_id='%s' to read.",
		n.Summary, n.ID)
}

type entry struct {
	text    string
	savedAt time.Time
}

// Cache holds intercepted tool outputs keyed by opaque IDs, evicting them
// after a TTL.
type Cache struct {
	threshold int
	ttl       time.Duration
	nowFn     func() time.Time

	mu      sync.Mutex
	results map[string]entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithThreshold overrides the interception threshold.
func WithThreshold(threshold int) Option {
	return func(c *Cache) {
		if threshold > 0 {
			c.threshold = threshold
		}
	}
}

// WithTTL overrides how long cached results are kept.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func withNow(nowFn func() time.Time) Option {
	return func(c *Cache) {
		c.nowFn = nowFn
	}
}

// NewCache creates a Cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		threshold: DefaultThreshold,
		ttl:       DefaultTTL,
		nowFn:     time.Now,
		results:   make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the interception threshold.
func (c *Cache) Threshold() int {
	return c.threshold
}

// Intercept checks a tool result against the threshold. Results at or under
// it pass through with a nil Notice. Oversized results are cached and a
// Notice is returned in their place.
func (c *Cache) Intercept(text string) *Notice {
	// Sizes and offsets count characters, not bytes, so multi-byte output
	// is never split mid-rune.
	runes := []rune(text)
	if len(runes) <= c.threshold {
		return nil
	}

	id := uuid.New().String()
	c.mu.Lock()
	c.evictLocked()
	c.results[id] = entry{text: text, savedAt: c.nowFn()}
	c.mu.Unlock()

	metricskey.StatsOutputsIntercepted.IncrCounter(1)
	logger.KV(xlog.DEBUG, "result_id", id, "length", len(runes))

	return &Notice{
		ID:      id,
		Length:  len(runes),
		Summary: fmt.Sprintf("The tool output is %d characters long.", len(runes)),
		Preview: string(runes[:min(previewSize, len(runes))]) + "\n...[truncated]...",
		Instruction: fmt.Sprintf(
			"The output is truncated. You MUST use the `read_large_output` tool "+
				"with result_id='%s' to read more. "+
				"You can read it in chunks (offset=0, limit=2000) or specify limit=-1 to read all (if you are sure).",
			id),
	}
}

// Read returns a page of a cached result. The offset is clamped to the text;
// limit -1 returns everything from the offset. When text remains past the
// page, the page is annotated with the remaining count and the next offset.
// An unknown ID yields NotFoundMessage; it is not an error.
func (c *Cache) Read(id string, offset, limit int) string {
	c.mu.Lock()
	c.evictLocked()
	ent, ok := c.results[id]
	c.mu.Unlock()
	if !ok {
		return NotFoundMessage
	}

	runes := []rune(ent.text)
	if offset < 0 {
		offset = 0
	}
	if offset > len(runes) {
		offset = len(runes)
	}

	if limit == -1 {
		return string(runes[offset:])
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	end := offset + limit
	if end > len(runes) {
		end = len(runes)
	}
	chunk := string(runes[offset:end])

	remaining := len(runes) - end
	if remaining > 0 {
		return fmt.Sprintf("%s\n... (%d characters remaining. Use offset=%d to read more)",
			chunk, remaining, end)
	}
	return chunk
}

// Len returns the number of live cached results.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked()
	return len(c.results)
}

func (c *Cache) evictLocked() {
	cutoff := c.nowFn().Add(-c.ttl)
	for id, ent := range c.results {
		if ent.savedAt.Before(cutoff) {
			delete(c.results, id)
		}
	}
}
