// Package bot runs the reply pipeline for one inbound message: filter, build
// the conversation chain, resolve the system prompt, stream the completion
// into paged replies, then record the outcome.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ashureev/chaincord/internal/chain"
	"github.com/ashureev/chaincord/internal/config"
	"github.com/ashureev/chaincord/internal/domain"
	"github.com/ashureev/chaincord/internal/llm"
	"github.com/ashureev/chaincord/internal/metrics"
	"github.com/ashureev/chaincord/internal/prompt"
	"github.com/ashureev/chaincord/internal/store"
	"github.com/ashureev/chaincord/internal/stream"
	"github.com/google/uuid"
)

const ledgerWriteTimeout = 5 * time.Second

var errUnknownProvider = errors.New("model references an unconfigured provider")

// ReplySink posts reply pages into one channel.
type ReplySink interface {
	stream.Sink
	// Typing shows a typing indicator until stop is called.
	Typing(ctx context.Context) (stop func())
}

// SinkFactory returns the sink for a channel.
type SinkFactory func(channelID string) ReplySink

// Deps are the collaborators of a Service. Repo and Metrics may be nil.
type Deps struct {
	Cache     *chain.NodeCache
	Walker    *chain.Walker
	Prompts   *prompt.Resolver
	Completer llm.Completer
	Sinks     SinkFactory
	Self      func() domain.Identity
	Repo      store.Repository
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service answers messages. HandleMessage is safe for concurrent use; all
// pipelines share one node cache.
type Service struct {
	cfg *config.Config
	Deps

	now   func() time.Time
	newID func() string
}

// NewService creates a Service.
func NewService(cfg *config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		cfg:   cfg,
		Deps:  deps,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// HandleMessage runs the pipeline for msg. Failures are logged and recorded in
// the ledger; nothing is returned to the caller.
func (s *Service) HandleMessage(ctx context.Context, msg *domain.Message) {
	self := s.Self()
	if reason := admit(s.cfg, self, msg); reason != "" {
		s.Logger.Debug("Ignoring message", "message_id", msg.ID, "reason", reason)
		s.Metrics.ObserveIgnored(reason)
		return
	}

	started := s.now()
	requestID := s.newID()
	logger := s.Logger.With("request_id", requestID, "message_id", msg.ID, "channel_id", msg.Channel.ID)

	modelSpec := s.cfg.ModelFor(msg.Author.ID, msg.Author.RoleIDs)
	provider, model, err := s.provider(modelSpec)
	if err != nil {
		logger.Error("Cannot select model", "model", modelSpec, "error", err)
		s.Metrics.ObserveIgnored("bad_model")
		return
	}

	acceptUsernames := llm.AcceptsUsernames(provider.Name)
	opts := chain.Options{
		Self:            self,
		MaxMessages:     s.cfg.MaxMessages,
		MaxText:         s.cfg.MaxText,
		MaxImages:       s.cfg.MaxImages,
		AcceptUsernames: acceptUsernames,
	}
	if !llm.AcceptsImages(model) {
		opts.MaxImages = 0
	}

	sink := s.Sinks(msg.Channel.ID)
	stopTyping := sink.Typing(ctx)
	defer stopTyping()

	conv := s.Walker.Build(ctx, msg, opts)
	messages := conv.Messages
	resolution := s.Prompts.Resolve(ctx, msg)
	if sys, ok := s.Prompts.Compose(resolution, self, acceptUsernames); ok {
		messages = append([]chain.Message{sys}, messages...)
	}
	warnings := conv.Warnings()

	logger.Info("Generating reply",
		"model", modelSpec,
		"turns", len(conv.Messages),
		"contexts", resolution.Contexts,
		"warnings", len(warnings))

	var reservations []*chain.Reservation
	pager := stream.NewPaginator(sink, stream.Options{
		Plain:     s.cfg.UsePlainResponses,
		EditDelay: s.cfg.EditDelay,
		ReplyTo:   msg.ID,
		Model:     modelSpec,
		Contexts:  resolution.Contexts,
		Warnings:  warnings,
		OnCreate: func(id string) {
			reservations = append(reservations, s.Cache.Reserve(id, msg))
		},
		Logger: logger,
	})

	fragments := s.Completer.Stream(ctx, provider, llm.Request{
		Model:    model,
		Messages: messages,
		Extra:    s.cfg.ExtraAPIParameters,
	})
	result, runErr := pager.Run(ctx, fragments)
	stopTyping()

	text := result.Text()
	for _, r := range reservations {
		r.Complete(text)
	}

	outcome := metrics.OutcomeComplete
	switch {
	case runErr != nil:
		outcome = metrics.OutcomeFailed
		logger.Error("Reply failed", "pages", len(result.Pages), "error", runErr)
	case !result.GoodFinish:
		outcome = metrics.OutcomeIncomplete
		logger.Warn("Reply finished early", "finish_reason", result.FinishReason, "pages", len(result.Pages))
	default:
		logger.Info("Reply sent", "pages", len(result.Pages), "edits", result.Edits)
	}
	s.Metrics.ObserveReply(outcome, len(result.Pages), result.Edits, s.now().Sub(started))

	s.record(ctx, logger, &domain.ReplyRecord{
		RequestID:    requestID,
		TriggerID:    msg.ID,
		ChannelID:    msg.Channel.ID,
		AuthorID:     msg.Author.ID,
		Model:        modelSpec,
		FinishReason: result.FinishReason,
		ReplyIDs:     result.MessageIDs(),
		Pages:        len(result.Pages),
		Characters:   utf8.RuneCountInString(text),
		ChainLength:  len(conv.Messages),
		Warnings:     warnings,
		Partial:      runErr != nil || !result.GoodFinish,
		Error:        errorText(runErr),
		CreatedAt:    started,
	})

	if evicted := s.Cache.EvictExcess(s.cfg.MaxMessageNodes); evicted > 0 {
		logger.Debug("Evicted message nodes", "count", evicted, "size", s.Cache.Len())
	}
}

// provider resolves "provider/model" against the configured providers.
func (s *Service) provider(spec string) (llm.Provider, string, error) {
	name, model, err := llm.ParseModel(spec)
	if err != nil {
		return llm.Provider{}, "", err
	}
	p, ok := s.cfg.Providers[name]
	if !ok {
		return llm.Provider{}, "", fmt.Errorf("%w: %s", errUnknownProvider, name)
	}
	return llm.Provider{Name: name, BaseURL: p.BaseURL, APIKey: p.APIKey}, model, nil
}

func (s *Service) record(ctx context.Context, logger *slog.Logger, rec *domain.ReplyRecord) {
	if s.Repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	if err := s.Repo.RecordReply(ctx, rec); err != nil {
		logger.Warn("Failed to record reply", "error", err)
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
