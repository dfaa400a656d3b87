package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

// DefaultEditDelay is the minimum spacing between throttled edits of a page.
const DefaultEditDelay = time.Second

// ErrDone is returned when fragments arrive after the paginator finished.
var ErrDone = errors.New("paginator is done")

// State is the lifecycle of one response.
type State int

const (
	// StateStreaming accepts fragments.
	StateStreaming State = iota
	// StateFinalizing is closing the last page.
	StateFinalizing
	// StateDone accepts nothing further.
	StateDone
)

// Page is one outgoing message holding a slice of the reply.
type Page struct {
	Index int
	Text  string
	// MessageID is empty until the page is first flushed.
	MessageID string
	// ContinuesCodeBlock is set when the previous page was cut inside a code
	// block; the page renders with a reopening fence.
	ContinuesCodeBlock bool

	Final      bool
	GoodFinish bool
	Complete   bool

	limiter *rate.Limiter
}

// Options configures a Paginator.
type Options struct {
	// Plain sends each page once as plain content instead of editing blocks.
	Plain bool
	// MaxLength is the platform body limit; zero picks the mode's default.
	MaxLength int
	EditDelay time.Duration

	// ReplyTo is the message the first page answers.
	ReplyTo  string
	Model    string
	Contexts []string
	Warnings []string

	// OnCreate is called synchronously with each new sink message id.
	OnCreate func(messageID string)

	Now    func() time.Time
	Logger *slog.Logger
}

// Result summarises a finished response.
type Result struct {
	Pages        []Page
	FinishReason string
	GoodFinish   bool
	Edits        int
}

// MessageIDs returns the sink ids of all flushed pages in order.
func (r Result) MessageIDs() []string {
	ids := make([]string, 0, len(r.Pages))
	for _, p := range r.Pages {
		if p.MessageID != "" {
			ids = append(ids, p.MessageID)
		}
	}
	return ids
}

// Text returns the whole reply as sent, including the fences that reopen a
// code block on a continuation page.
func (r Result) Text() string {
	var b strings.Builder
	for _, p := range r.Pages {
		if p.ContinuesCodeBlock {
			b.WriteString(fenceBreak)
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// Paginator splits streamed text into pages and keeps each page's sink
// message up to date. It is driven by a single goroutine; only throttled edits
// run in the background, at most one at a time.
type Paginator struct {
	sink   Sink
	opts   Options
	logger *slog.Logger

	effectiveMax int
	state        State
	pages        []*Page
	finishReason string
	goodFinish   bool

	inflight chan struct{}
	edits    atomic.Int64
}

// NewPaginator creates a paginator writing to sink.
func NewPaginator(sink Sink, opts Options) *Paginator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = BlockMaxLength
		if opts.Plain {
			opts.MaxLength = PlainMaxLength
		}
	}
	warnings := append([]string(nil), opts.Warnings...)
	sort.Strings(warnings)
	opts.Warnings = warnings

	maxLen := opts.MaxLength
	if !opts.Plain {
		maxLen -= utf8.RuneCountInString(StreamingIndicator)
	}
	return &Paginator{
		sink:         sink,
		opts:         opts,
		logger:       opts.Logger,
		effectiveMax: maxLen - utf8.RuneCountInString(fenceBreak),
	}
}

// State returns the current lifecycle state.
func (p *Paginator) State() State {
	return p.state
}

// Run consumes fragments until a finish reason, the end of the source, or a
// source error. A source error finalizes the pages written so far and is
// returned; nothing is retried.
func (p *Paginator) Run(ctx context.Context, fragments iter.Seq2[Fragment, error]) (Result, error) {
	for frag, err := range fragments {
		if err != nil {
			p.logger.Error("Completion stream failed", "error", err, "pages", len(p.pages))
			if ferr := p.Fail(ctx); ferr != nil {
				return p.Result(), errors.Join(err, ferr)
			}
			return p.Result(), err
		}
		if err := p.Consume(ctx, frag); err != nil {
			p.abandon()
			return p.Result(), err
		}
		if p.state == StateDone {
			return p.Result(), nil
		}
	}
	// The source ended without a finish reason.
	if err := p.finish(ctx, "", false); err != nil {
		p.abandon()
		return p.Result(), err
	}
	return p.Result(), nil
}

// Consume appends one fragment, flushing pages as boundaries are crossed.
func (p *Paginator) Consume(ctx context.Context, frag Fragment) error {
	if p.state != StateStreaming {
		return ErrDone
	}

	delta := frag.Text
	for delta != "" {
		cur := p.current()
		if cur == nil {
			cur = p.openPage(false)
		}
		room := p.capacity(cur) - utf8.RuneCountInString(cur.Text)
		n := utf8.RuneCountInString(delta)
		if n <= room {
			cur.Text += delta
			delta = ""
			break
		}
		if cur.Text == "" {
			// A single fragment longer than a whole page is split hard.
			head, tail := splitRunes(delta, max(room, 1))
			cur.Text = head
			delta = tail
		}
		open := p.fenceOpen(cur)
		if err := p.closeAtBoundary(ctx, cur, open); err != nil {
			return err
		}
		p.openPage(open)
	}

	if frag.FinishReason != "" {
		return p.finish(ctx, frag.FinishReason, IsGoodFinish(frag.FinishReason))
	}
	if cur := p.current(); cur != nil && frag.Text != "" {
		return p.flush(ctx, cur)
	}
	return nil
}

// Fail finalizes the existing pages with their current text and marks them as
// not finished normally.
func (p *Paginator) Fail(ctx context.Context) error {
	if p.state == StateDone {
		return nil
	}
	return p.finish(ctx, "", false)
}

// Result returns a snapshot of the pages and outcome.
func (p *Paginator) Result() Result {
	pages := make([]Page, len(p.pages))
	for i, pg := range p.pages {
		pages[i] = *pg
		pages[i].limiter = nil
	}
	return Result{
		Pages:        pages,
		FinishReason: p.finishReason,
		GoodFinish:   p.goodFinish,
		Edits:        int(p.edits.Load()),
	}
}

func (p *Paginator) finish(ctx context.Context, reason string, good bool) error {
	p.state = StateFinalizing
	p.finishReason = reason
	p.goodFinish = good

	if cur := p.current(); cur != nil {
		cur.Final = true
		cur.GoodFinish = good
		cur.Complete = good
		if err := p.flush(ctx, cur); err != nil {
			return err
		}
	}
	p.awaitEdit()
	p.state = StateDone
	return nil
}

// abandon stops after a sink failure without touching the sink again.
func (p *Paginator) abandon() {
	p.awaitEdit()
	p.state = StateDone
}

// closeAtBoundary finalizes a page because the next text no longer fits.
func (p *Paginator) closeAtBoundary(ctx context.Context, page *Page, fenceOpen bool) error {
	if fenceOpen {
		page.Text += fenceBreak
	}
	page.Final = true
	page.Complete = true
	return p.flush(ctx, page)
}

// flush pushes a page to the sink: the first flush creates the message, a
// final flush always edits after any in-flight edit, and other flushes edit
// only when idle and past the throttle interval.
func (p *Paginator) flush(ctx context.Context, page *Page) error {
	if page.MessageID == "" {
		if p.opts.Plain && !page.Final {
			return nil
		}
		replyTo := p.opts.ReplyTo
		if page.Index > 0 {
			replyTo = p.pages[page.Index-1].MessageID
		}
		id, err := p.sink.Create(ctx, replyTo, p.render(page))
		if err != nil {
			return fmt.Errorf("create page %d: %w", page.Index, err)
		}
		page.MessageID = id
		page.limiter = rate.NewLimiter(rate.Every(p.opts.EditDelay), 1)
		page.limiter.AllowN(p.opts.Now(), 1)
		if p.opts.OnCreate != nil {
			p.opts.OnCreate(id)
		}
		return nil
	}
	if p.opts.Plain {
		return nil
	}

	if page.Final {
		p.awaitEdit()
		if err := p.sink.Edit(ctx, page.MessageID, p.render(page)); err != nil {
			return fmt.Errorf("edit page %d: %w", page.Index, err)
		}
		p.edits.Add(1)
		return nil
	}

	if p.inflight != nil {
		select {
		case <-p.inflight:
			p.inflight = nil
		default:
			return nil
		}
	}
	if !page.limiter.AllowN(p.opts.Now(), 1) {
		return nil
	}
	p.startEdit(ctx, page.Index, page.MessageID, p.render(page))
	return nil
}

func (p *Paginator) startEdit(ctx context.Context, index int, messageID string, out Outgoing) {
	done := make(chan struct{})
	p.inflight = done
	go func() {
		defer close(done)
		if err := p.sink.Edit(ctx, messageID, out); err != nil {
			p.logger.Warn("Failed to update page", "page", index, "message_id", messageID, "error", err)
			return
		}
		p.edits.Add(1)
	}()
}

func (p *Paginator) awaitEdit() {
	if p.inflight != nil {
		<-p.inflight
		p.inflight = nil
	}
}

func (p *Paginator) render(page *Page) Outgoing {
	body := page.Text
	if page.ContinuesCodeBlock {
		body = fenceBreak + body
	}
	if p.opts.Plain {
		return Outgoing{Content: body}
	}
	if !page.Final {
		body += StreamingIndicator
	}
	return Outgoing{Block: &Block{
		Body:     body,
		Complete: page.Complete,
		Model:    p.opts.Model,
		Contexts: p.opts.Contexts,
		Warnings: p.opts.Warnings,
	}}
}

func (p *Paginator) current() *Page {
	if len(p.pages) == 0 {
		return nil
	}
	if last := p.pages[len(p.pages)-1]; !last.Final {
		return last
	}
	return nil
}

func (p *Paginator) openPage(continuesCodeBlock bool) *Page {
	page := &Page{Index: len(p.pages), ContinuesCodeBlock: continuesCodeBlock}
	p.pages = append(p.pages, page)
	return page
}

// capacity is the text a page may hold before a boundary; a reopened code
// block costs one fence of room.
func (p *Paginator) capacity(page *Page) int {
	if page.ContinuesCodeBlock {
		return p.effectiveMax - utf8.RuneCountInString(fenceBreak)
	}
	return p.effectiveMax
}

// fenceOpen reports whether the page ends inside a code block.
func (p *Paginator) fenceOpen(page *Page) bool {
	n := strings.Count(page.Text, fence)
	if page.ContinuesCodeBlock {
		n++
	}
	return n%2 == 1
}

func splitRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
