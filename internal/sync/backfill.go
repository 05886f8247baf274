package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/wabridge/internal/contact"
	"github.com/matheus3301/wabridge/internal/failure"
	"github.com/matheus3301/wabridge/internal/store"
	"github.com/matheus3301/wabridge/internal/wa"
)

// BackfillOptions bound one pull of chats and messages from the network.
type BackfillOptions struct {
	Chats         int
	Messages      int
	Workers       int
	LookupTimeout time.Duration
	// NewOnly fetches message history only for chats the cache does not
	// know yet. Known chats still get their metadata refreshed.
	NewOnly bool
	// Only restricts the pass to a single contact id, whose messages are
	// always fetched.
	Only string
}

// BackfillResult counts what a pass did.
type BackfillResult struct {
	Chats    int
	Skipped  int
	Failed   int
	Messages int
}

// Backfill pulls recent chats (and their messages) from client into s. Each
// chat is processed in isolation: an error or panic in one is logged and
// counted, the rest continue. A pass with failed chats returns a
// PartialBackfillFailure alongside the counts. Nothing is written once ctx
// is done.
func Backfill(ctx context.Context, s *store.Store, userID string, client wa.Client, opts BackfillOptions, logger *zap.Logger) (BackfillResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	var res BackfillResult

	chats, err := client.FetchChats(ctx, opts.Chats)
	if err != nil {
		return res, fmt.Errorf("fetch chats: %w", err)
	}
	if opts.Only != "" {
		chats = onlyChat(chats, opts.Only, client)
	}

	var done, skipped, failed, messages atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(opts.Workers)
	for _, rc := range chats {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, ok, err := backfillChat(ctx, s, userID, client, rc, opts)
			switch {
			case err != nil:
				failed.Add(1)
				logger.Warn("chat backfill failed",
					zap.String("user", userID), zap.String("chat", rc.ContactID), zap.Error(err))
			case !ok:
				skipped.Add(1)
			default:
				done.Add(1)
				messages.Add(int64(n))
			}
			return nil
		})
	}
	_ = g.Wait()

	res = BackfillResult{
		Chats:    int(done.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
		Messages: int(messages.Load()),
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if res.Failed > 0 {
		return res, failure.New(failure.PartialBackfillFailure, "%d of %d chats failed", res.Failed, len(chats))
	}
	return res, nil
}

func onlyChat(chats []wa.RemoteChat, contactID string, client wa.Client) []wa.RemoteChat {
	for _, rc := range chats {
		if rc.ContactID == contactID {
			return []wa.RemoteChat{rc}
		}
	}
	return []wa.RemoteChat{{ContactID: contactID, Handle: client.HandleFor(contactID)}}
}

// backfillChat reports the number of new messages and whether the chat was
// taken at all. Group chats and ids that are not phone numbers are skipped.
func backfillChat(ctx context.Context, s *store.Store, userID string, client wa.Client, rc wa.RemoteChat, opts BackfillOptions) (added int, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	id := contact.Normalize(rc.ContactID)
	if rc.IsGroup || !contact.Valid(id) {
		return 0, false, nil
	}
	known := s.HasChat(userID, id)
	fetch := !opts.NewOnly || !known || id == opts.Only

	update := store.ChatUpdate{
		ContactID:      id,
		ExternalHandle: rc.Handle,
		DisplayName:    rc.Name,
	}
	if !known || rc.Name == "" {
		info := lookup(ctx, client, rc.Handle, opts.LookupTimeout)
		if update.DisplayName == "" {
			update.DisplayName = info.Name
		}
		update.AvatarURL = info.AvatarURL
	}
	if update.DisplayName == "" && !known {
		update.DisplayName = id
	}
	if rc.LastMessage != nil {
		update.LastMessage = &store.LastMessage{
			Body: store.Preview(*rc.LastMessage),
			Time: rc.LastMessage.Timestamp,
		}
	}

	if fetch {
		msgs, err := client.FetchMessages(ctx, rc.Handle, opts.Messages)
		if err != nil {
			return 0, false, fmt.Errorf("fetch messages: %w", err)
		}
		for _, m := range msgs {
			if ctx.Err() != nil {
				return added, true, ctx.Err()
			}
			m.ChatID = id
			isNew, err := s.AppendMessage(userID, m)
			if err != nil {
				continue
			}
			if isNew {
				added++
			}
		}
	}

	if ctx.Err() != nil {
		return added, true, ctx.Err()
	}
	// Written after the messages so the network's unread counter wins.
	unread := rc.UnreadCount
	update.UnreadCount = &unread
	if _, err := s.UpsertChat(userID, update); err != nil {
		return added, false, err
	}
	return added, true, nil
}

// lookup asks the network for a contact's name and avatar. A slow or failed
// lookup yields an empty result.
func lookup(ctx context.Context, client wa.Client, handle string, timeout time.Duration) wa.ContactInfo {
	if handle == "" {
		return wa.ContactInfo{}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	info, err := client.LookupContact(ctx, handle)
	if err != nil {
		return wa.ContactInfo{}
	}
	return info
}
