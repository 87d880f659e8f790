package talk

import (
	"context"
	"encoding/json"
	"fmt"

	domain "github.com/example/talk-gateway/domain/talk"
	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// TalkPort is the read side of the talk module offered to other modules.
type TalkPort interface {
	History(ctx context.Context, room string, limit int) ([]*domain.Message, error)
	Rooms(ctx context.Context) (*RoomsResponse, error)
}

// TalkAdapter implements TalkPort using the service container.
type TalkAdapter struct {
	container mono.ServiceContainer
}

// NewTalkAdapter creates a new TalkAdapter.
func NewTalkAdapter(container mono.ServiceContainer) TalkPort {
	if container == nil {
		panic("talk: ServiceContainer is nil")
	}
	return &TalkAdapter{container: container}
}

// History returns the newest messages of a room.
func (a *TalkAdapter) History(ctx context.Context, room string, limit int) ([]*domain.Message, error) {
	req := HistoryRequest{Room: room, Limit: limit}
	var resp HistoryResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceHistory,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return resp.Messages, nil
}

// Rooms returns this process's local room view.
func (a *TalkAdapter) Rooms(ctx context.Context) (*RoomsResponse, error) {
	req := RoomsRequest{}
	var resp RoomsResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceRooms,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return &resp, nil
}
