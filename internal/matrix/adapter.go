// Package matrix wraps the mautrix client behind the narrow set of
// primitives the bridge needs. Everything protocol-specific (sync
// mechanics, request encoding) stays on this side of the boundary.
package matrix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/whatsappx/matrix-bridge/internal/config"
)

// Client is the protocol surface consumed by the sync coordinator and
// the bridge façade. Tests inject fakes.
type Client interface {
	// Sync performs one sync request. An empty since token requests the
	// full current state. The next batch token is remembered internally.
	Sync(ctx context.Context, since string, fullState bool, timeout time.Duration) (*mautrix.RespSync, error)
	// SinceToken returns the most recent next-batch token, or "".
	SinceToken() string

	SendMessage(ctx context.Context, roomID id.RoomID, content map[string]any) (id.EventID, error)
	Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error)
	Download(ctx context.Context, mxcURL string) ([]byte, error)
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error
	Leave(ctx context.Context, roomID id.RoomID) error
	MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	Typing(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error
	Backfill(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
	CreateRoom(ctx context.Context, name string, invitees []id.UserID) (id.RoomID, error)
	ToggleIgnore(ctx context.Context, userID id.UserID) (bool, error)
	SetStatus(ctx context.Context, status string) error

	UserID() id.UserID
	Close()
}

// Adapter implements Client on top of *mautrix.Client.
type Adapter struct {
	cli    *mautrix.Client
	logger *zap.Logger

	mu    sync.Mutex
	since string
}

var _ Client = (*Adapter)(nil)

// NewAdapter creates an adapter from the matrix section of the config.
func NewAdapter(cfg config.MatrixConfig, logger *zap.Logger) (*Adapter, error) {
	cli, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	cli.DeviceID = id.DeviceID(cfg.DeviceID)
	return &Adapter{cli: cli, logger: logger}, nil
}

func (a *Adapter) Sync(ctx context.Context, since string, fullState bool, timeout time.Duration) (*mautrix.RespSync, error) {
	resp, err := a.cli.SyncRequest(ctx, int(timeout.Milliseconds()), since, "", fullState, "")
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	a.mu.Lock()
	a.since = resp.NextBatch
	a.mu.Unlock()
	return resp, nil
}

func (a *Adapter) SinceToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.since
}

func (a *Adapter) SendMessage(ctx context.Context, roomID id.RoomID, content map[string]any) (id.EventID, error) {
	resp, err := a.cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.EventID, nil
}

func (a *Adapter) Upload(ctx context.Context, data []byte, mimeType, fileName string) (id.ContentURI, error) {
	resp, err := a.cli.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     fileName,
	})
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("upload media: %w", err)
	}
	return resp.ContentURI, nil
}

func (a *Adapter) Download(ctx context.Context, mxcURL string) ([]byte, error) {
	uri, err := id.ParseContentURI(mxcURL)
	if err != nil {
		return nil, fmt.Errorf("parse content uri %q: %w", mxcURL, err)
	}
	data, err := a.cli.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

func (a *Adapter) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	if _, err := a.cli.RedactEvent(ctx, roomID, eventID, mautrix.ReqRedact{Reason: reason}); err != nil {
		return fmt.Errorf("redact event: %w", err)
	}
	return nil
}

func (a *Adapter) Leave(ctx context.Context, roomID id.RoomID) error {
	if _, err := a.cli.LeaveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

func (a *Adapter) MarkRead(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	err := a.cli.SetReadMarkers(ctx, roomID, &mautrix.ReqSetReadMarkers{
		FullyRead: eventID,
		Read:      eventID,
	})
	if err != nil {
		return fmt.Errorf("set read markers: %w", err)
	}
	return nil
}

func (a *Adapter) Typing(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) error {
	if _, err := a.cli.UserTyping(ctx, roomID, typing, timeout); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (a *Adapter) Backfill(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error) {
	since := a.SinceToken()
	if since == "" {
		return nil, fmt.Errorf("backfill: no sync token yet")
	}
	resp, err := a.cli.Messages(ctx, roomID, since, "", mautrix.DirectionBackward, nil, limit)
	if err != nil {
		return nil, fmt.Errorf("room messages: %w", err)
	}
	return resp.Chunk, nil
}

func (a *Adapter) GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error) {
	evt, err := a.cli.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return evt, nil
}

func (a *Adapter) CreateRoom(ctx context.Context, name string, invitees []id.UserID) (id.RoomID, error) {
	resp, err := a.cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Name:       name,
		Invite:     invitees,
		IsDirect:   len(invitees) == 1,
		CreationContent: map[string]any{
			"creator": a.cli.UserID.String(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

// ignoredUserList mirrors the m.ignored_user_list account data shape.
type ignoredUserList struct {
	IgnoredUsers map[id.UserID]map[string]any `json:"ignored_users"`
}

// ToggleIgnore adds or removes a user from the account's ignore list and
// reports whether the user is ignored afterwards.
func (a *Adapter) ToggleIgnore(ctx context.Context, userID id.UserID) (bool, error) {
	var list ignoredUserList
	if err := a.cli.GetAccountData(ctx, "m.ignored_user_list", &list); err != nil {
		// Missing account data means nobody is ignored yet.
		a.logger.Debug("no ignored user list yet", zap.Error(err))
	}
	if list.IgnoredUsers == nil {
		list.IgnoredUsers = make(map[id.UserID]map[string]any)
	}
	_, ignored := list.IgnoredUsers[userID]
	if ignored {
		delete(list.IgnoredUsers, userID)
	} else {
		list.IgnoredUsers[userID] = map[string]any{}
	}
	if err := a.cli.SetAccountData(ctx, "m.ignored_user_list", &list); err != nil {
		return false, fmt.Errorf("set ignored users: %w", err)
	}
	return !ignored, nil
}

func (a *Adapter) SetStatus(ctx context.Context, status string) error {
	err := a.cli.SetPresence(ctx, mautrix.ReqPresence{
		Presence:  event.PresenceOnline,
		StatusMsg: status,
	})
	if err != nil {
		return fmt.Errorf("set presence status: %w", err)
	}
	return nil
}

func (a *Adapter) UserID() id.UserID {
	return a.cli.UserID
}

// Close releases the underlying HTTP transport. No requests may be
// issued afterwards.
func (a *Adapter) Close() {
	a.cli.Client.CloseIdleConnections()
}
