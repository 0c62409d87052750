package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DeliveryStatus is the outcome of routing one inbound chat message.
type DeliveryStatus string

const (
	Delivered   DeliveryStatus = "delivered"
	Unconfirmed DeliveryStatus = "unconfirmed"
	Failed      DeliveryStatus = "failed"
)

// DeliveryResult reports where an inbound message went and what happened.
type DeliveryResult struct {
	Target Target
	Status DeliveryStatus
	Err    error
}

// Router hands inbound chat text to the agent registered for a channel.
type Router struct {
	targets   TargetSource
	submitter *Submitter
	keys      KeySender
	notifier  Notifier
}

// NewRouter returns a Router. submitter is used for targets with
// VerifySubmit set; the rest get a plain keys.SendKeys.
func NewRouter(targets TargetSource, submitter *Submitter, keys KeySender, notifier Notifier) *Router {
	return &Router{targets: targets, submitter: submitter, keys: keys, notifier: notifier}
}

// MaxDeliverDuration is the longest a verified Deliver waits on its own
// delays, excluding time spent in tmux.
func (r *Router) MaxDeliverDuration() time.Duration {
	if r.submitter == nil {
		return 0
	}
	return r.submitter.Config().MaxDuration()
}

// Deliver types text into target's pane. A message the agent may or may not
// have accepted is never resubmitted; the channel gets a warning instead.
func (r *Router) Deliver(ctx context.Context, target Target, text string) DeliveryResult {
	res := DeliveryResult{Target: target}
	log := submitLog.With(slog.String("target", target.Key().String()))

	switch {
	case target.VerifySubmit && r.submitter != nil:
		ok, err := r.submitter.Submit(ctx, target.Session, target.Window, text)
		switch {
		case err != nil:
			res.Status, res.Err = Failed, err
		case !ok:
			res.Status = Unconfirmed
		default:
			res.Status = Delivered
		}
	case r.keys != nil:
		if err := r.keys.SendKeys(ctx, target.Session, target.Window, text); err != nil {
			res.Status, res.Err = Failed, err
		} else {
			res.Status = Delivered
		}
	default:
		res.Status, res.Err = Failed, fmt.Errorf("no key sender configured")
	}

	switch res.Status {
	case Delivered:
		log.Info("message_delivered", slog.Int("len", len(text)))
	case Unconfirmed:
		log.Warn("message_unconfirmed")
		r.warn(ctx, target, KindWarning, UnconfirmedText(target.AgentID))
	case Failed:
		log.Error("message_failed", slog.String("error", res.Err.Error()))
		r.warn(ctx, target, KindError, DeliveryErrorText(target.AgentID, res.Err))
	}
	return res
}

// DeliverToChannel resolves the agent for channelID and delivers text to it.
// When several agents share a channel, a leading "@agent " picks one;
// otherwise the first registered agent wins.
func (r *Router) DeliverToChannel(ctx context.Context, channelID, text string) (DeliveryResult, error) {
	target, body, err := r.Resolve(ctx, channelID, text)
	if err != nil {
		return DeliveryResult{}, err
	}
	return r.Deliver(ctx, target, body), nil
}

// Resolve picks the target for an inbound message and returns the text with
// any "@agent" addressing removed.
func (r *Router) Resolve(ctx context.Context, channelID, text string) (Target, string, error) {
	all, err := r.targets.Targets(ctx)
	if err != nil {
		return Target{}, "", fmt.Errorf("list targets: %w", err)
	}
	var candidates []Target
	for _, t := range all {
		if t.ChannelID != "" && t.ChannelID == channelID {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Target{}, "", ErrNoTarget
	}

	if agent, rest, ok := splitMention(text); ok {
		for _, t := range candidates {
			if strings.EqualFold(t.AgentID, agent) {
				return t, rest, nil
			}
		}
	}
	return candidates[0], text, nil
}

func splitMention(text string) (agent, rest string, ok bool) {
	if !strings.HasPrefix(text, "@") {
		return "", "", false
	}
	agent, rest, found := strings.Cut(text[1:], " ")
	if !found || agent == "" {
		return "", "", false
	}
	return agent, strings.TrimLeft(rest, " "), true
}

func (r *Router) warn(ctx context.Context, t Target, kind Kind, text string) {
	if r.notifier == nil || t.ChannelID == "" {
		return
	}
	n := Notification{
		ProjectID: t.ProjectID,
		AgentID:   t.AgentID,
		ChannelID: t.ChannelID,
		Kind:      kind,
		Text:      text,
		Part:      1,
		Parts:     1,
	}
	if err := r.notifier.Notify(ctx, n); err != nil {
		submitLog.Warn("warning_notify_failed", slog.String("target", t.Key().String()), slog.String("error", err.Error()))
	}
}
