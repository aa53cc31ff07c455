package imap

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"
)

const (
	// Soft timeout waiting for the next streamed message of a FETCH.
	perItemTimeout = 5 * time.Second
	// Hard timeout for one whole fetch strategy.
	perStrategyTimeout = 30 * time.Second
	// Cap per message body; anything larger is truncated.
	maxMessageSize = 10 << 20
	// Strategy 4 falls back to fetching a handful of UIDs one by one.
	uidFallbackCount = 5
)

// fetched is one message's raw FETCH payload before parsing.
type fetched struct {
	uid    uint32
	header []byte
	full   []byte
	text   []byte
	env    *imap.Envelope
}

// FetchRecent returns up to limit of the most recent messages in the selected
// folder. Heterogeneous servers fail FETCH in creative ways, so a ladder of
// strategies is tried until one yields at least one message; bridge endpoints
// get their own UID-driven flow. If everything fails the server is reported
// as incompatible.
func (s *Session) FetchRecent(ctx context.Context, limit int) ([]Message, error) {
	if s.numMessages == 0 {
		return []Message{}, nil
	}
	n := uint32(limit)
	if n == 0 || n > s.numMessages {
		n = s.numMessages
	}

	if s.bridge {
		return s.fetchBridge(ctx, int(n))
	}

	seqSet := imap.SeqSet{}
	seqSet.AddRange(s.numMessages-n+1, s.numMessages)
	seqStr := seqSet.String()

	strategies := []struct {
		name string
		run  func(context.Context) ([]Message, error)
	}{
		{"headers", func(ctx context.Context) ([]Message, error) {
			raw, err := s.collectFetch(ctx, seqSet, &imap.FetchOptions{
				UID:   true,
				Flags: true,
				BodySection: []*imap.FetchItemBodySection{
					{Specifier: imap.PartSpecifierHeader, Peek: true},
				},
			})
			return parseHeaders(raw), err
		}},
		{"headers+body", func(ctx context.Context) ([]Message, error) {
			raw, err := s.collectFetch(ctx, seqSet, &imap.FetchOptions{
				UID:   true,
				Flags: true,
				BodySection: []*imap.FetchItemBodySection{
					{Specifier: imap.PartSpecifierNone, Peek: true},
				},
			})
			return parseFulls(raw), err
		}},
		{"flags", func(ctx context.Context) ([]Message, error) {
			raw, err := s.collectFetch(ctx, seqSet, &imap.FetchOptions{UID: true, Flags: true})
			return parsePlaceholders(raw), err
		}},
		{"uid-fallback", s.fetchByUIDFallback},
	}

	for _, strategy := range strategies {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		sctx, cancel := context.WithTimeout(ctx, perStrategyTimeout)
		msgs, err := strategy.run(sctx)
		cancel()
		if err != nil {
			s.log.Debug("fetch strategy failed",
				zap.String("strategy", strategy.name), zap.Error(err))
			continue
		}
		if len(msgs) == 0 {
			s.log.Debug("fetch strategy returned no messages",
				zap.String("strategy", strategy.name))
			continue
		}
		s.log.Debug("fetch strategy succeeded",
			zap.String("strategy", strategy.name), zap.Int("messages", len(msgs)))
		return msgs, nil
	}

	return nil, &ServerIncompatibleError{Host: s.account.Host, SeqSet: seqStr}
}

// fetchByUIDFallback is the last-resort strategy: SEARCH ALL, then fetch a
// handful of the newest UIDs one at a time.
func (s *Session) fetchByUIDFallback(ctx context.Context) ([]Message, error) {
	uids, err := s.searchAllUIDs(ctx)
	if err != nil {
		return nil, &FetchError{Strategy: "uid-fallback", Err: err}
	}
	uids = newestUIDs(uids, uidFallbackCount)

	var msgs []Message
	for _, uid := range uids {
		if ctx.Err() != nil {
			return msgs, ctx.Err()
		}
		raw, err := s.collectFetch(ctx, uidSetOf(uid), &imap.FetchOptions{UID: true, Flags: true})
		if err != nil || len(raw) == 0 {
			s.log.Debug("per-uid fetch failed", zap.Uint32("uid", uid), zap.Error(err))
			continue
		}
		msgs = append(msgs, placeholderMessage(uid))
	}
	return msgs, nil
}

// fetchBridge is the bridge-specific flow: UID SEARCH ALL, headers for the
// newest N UIDs, a second text fetch merged in by UID, then envelope-only and
// UID-only fallbacks.
func (s *Session) fetchBridge(ctx context.Context, limit int) ([]Message, error) {
	uids, err := s.searchAllUIDs(ctx)
	if err != nil || len(uids) == 0 {
		s.log.Debug("bridge uid search failed, trying envelope fetch", zap.Error(err))
		return s.fetchBridgeEnvelopes(ctx, limit)
	}
	uids = newestUIDs(uids, limit)

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}

	sctx, cancel := context.WithTimeout(ctx, perStrategyTimeout)
	raw, err := s.collectFetch(sctx, uidSet, &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierHeader, Peek: true},
		},
	})
	cancel()
	if err != nil || len(raw) == 0 {
		s.log.Debug("bridge header fetch failed", zap.Error(err))
		if msgs, err := s.fetchBridgeEnvelopes(ctx, limit); err == nil && len(msgs) > 0 {
			return msgs, nil
		}
		// UID-only: synthesize placeholders so processing can continue.
		msgs := make([]Message, 0, len(uids))
		for _, uid := range uids {
			msgs = append(msgs, placeholderMessage(uid))
		}
		return msgs, nil
	}

	byUID := make(map[uint32]*Message, len(raw))
	msgs := make([]Message, 0, len(raw))
	for _, f := range raw {
		msgs = append(msgs, parseHeader(f.uid, f.header))
	}
	for i := range msgs {
		byUID[msgs[i].UID] = &msgs[i]
	}

	// Second pass for bodies; a failure here leaves headers-only messages.
	sctx, cancel = context.WithTimeout(ctx, perStrategyTimeout)
	texts, err := s.collectFetch(sctx, uidSet, &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{Specifier: imap.PartSpecifierText, Peek: true},
		},
	})
	cancel()
	if err != nil {
		s.log.Debug("bridge text fetch failed, keeping headers only", zap.Error(err))
	}
	for _, f := range texts {
		if m, ok := byUID[f.uid]; ok && len(f.text) > 0 {
			m.Body = string(f.text)
		}
	}
	return msgs, nil
}

func (s *Session) fetchBridgeEnvelopes(ctx context.Context, limit int) ([]Message, error) {
	seqSet := imap.SeqSet{}
	n := uint32(limit)
	if n > s.numMessages {
		n = s.numMessages
	}
	seqSet.AddRange(s.numMessages-n+1, s.numMessages)

	sctx, cancel := context.WithTimeout(ctx, perStrategyTimeout)
	defer cancel()
	raw, err := s.collectFetch(sctx, seqSet, &imap.FetchOptions{UID: true, Envelope: true})
	if err != nil {
		return nil, &FetchError{Strategy: "envelope", Err: err}
	}
	msgs := make([]Message, 0, len(raw))
	for _, f := range raw {
		msgs = append(msgs, envelopeMessage(f.uid, f.env))
	}
	return msgs, nil
}

// searchAllUIDs runs UID SEARCH ALL. Wait is driven from a goroutine so the
// context can cancel the wait.
func (s *Session) searchAllUIDs(ctx context.Context) ([]uint32, error) {
	searchCmd := s.client.UIDSearch(&imap.SearchCriteria{}, nil)

	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		data, err := searchCmd.Wait()
		resultCh <- searchResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("uid search: %w", result.err)
		}
		var uids []uint32
		for _, uid := range result.data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return uids, nil
	}
}

func newestUIDs(uids []uint32, n int) []uint32 {
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if len(uids) > n {
		uids = uids[:n]
	}
	return uids
}

// collectFetch streams a FETCH response message by message. Each message gets
// perItemTimeout to arrive; on timeout the messages gathered so far are
// returned and the command is abandoned to the context.
func (s *Session) collectFetch(ctx context.Context, numSet imap.NumSet, opts *imap.FetchOptions) ([]fetched, error) {
	fetchCmd := s.client.Fetch(numSet, opts)

	msgCh := make(chan fetched)
	doneCh := make(chan error, 1)
	go func() {
		defer close(msgCh)
		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			f := readFetchItems(msg)
			select {
			case msgCh <- f:
			case <-ctx.Done():
				fetchCmd.Close()
				return
			}
		}
		doneCh <- fetchCmd.Close()
	}()

	var out []fetched
	for {
		select {
		case f, ok := <-msgCh:
			if !ok {
				select {
				case err := <-doneCh:
					if err != nil && len(out) == 0 {
						return nil, err
					}
				default:
				}
				return out, nil
			}
			out = append(out, f)
		case <-time.After(perItemTimeout):
			s.log.Debug("per-message fetch timeout", zap.Int("collected", len(out)))
			return out, nil
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

func readFetchItems(msg *imapclient.FetchMessageData) fetched {
	var f fetched
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			f.uid = uint32(data.UID)
		case imapclient.FetchItemDataEnvelope:
			f.env = data.Envelope
		case imapclient.FetchItemDataBodySection:
			if data.Literal == nil {
				continue
			}
			b, err := io.ReadAll(io.LimitReader(data.Literal, maxMessageSize))
			if err != nil {
				continue
			}
			switch {
			case data.Section == nil:
				f.full = b
			case data.Section.Specifier == imap.PartSpecifierHeader:
				f.header = b
			case data.Section.Specifier == imap.PartSpecifierText:
				f.text = b
			default:
				f.full = b
			}
		}
	}
	return f
}

func parseHeaders(raw []fetched) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, f := range raw {
		msgs = append(msgs, parseHeader(f.uid, f.header))
	}
	return msgs
}

func parseFulls(raw []fetched) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, f := range raw {
		if len(f.full) > 0 {
			msgs = append(msgs, parseFull(f.uid, f.full))
		} else {
			msgs = append(msgs, parseHeader(f.uid, f.header))
		}
	}
	return msgs
}

func parsePlaceholders(raw []fetched) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, f := range raw {
		msgs = append(msgs, placeholderMessage(f.uid))
	}
	return msgs
}
