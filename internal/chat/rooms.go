package chat

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/npezzotti/go-chatsync/internal/database"
	"github.com/npezzotti/go-chatsync/internal/errs"
	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/teris-io/shortid"
)

const (
	PublicRoom  = "public"
	groupPrefix = "grp:"
	pairSep     = "_"
)

type RoomKind int

const (
	RoomPublic RoomKind = iota
	RoomPair
	RoomGroup
)

func (k RoomKind) String() string {
	switch k {
	case RoomPair:
		return "pair"
	case RoomGroup:
		return "group"
	default:
		return "public"
	}
}

// PairKey returns the 1:1 room id of two users, independent of argument
// order.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + pairSep + ids[1]
}

// ParseRoom classifies a room id. For pairwise rooms members holds both
// user ids.
func ParseRoom(id string) (RoomKind, []string, error) {
	switch {
	case id == PublicRoom:
		return RoomPublic, nil, nil
	case strings.HasPrefix(id, groupPrefix):
		if len(id) == len(groupPrefix) {
			return 0, nil, errs.Validation("ParseRoom", "empty group id")
		}
		return RoomGroup, nil, nil
	}

	parts := strings.Split(id, pairSep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || parts[0] == parts[1] {
		return 0, nil, errs.Validation("ParseRoom", "invalid room id")
	}
	if PairKey(parts[0], parts[1]) != id {
		return 0, nil, errs.Validation("ParseRoom", "pair key is not normalized")
	}
	return RoomPair, parts, nil
}

// Directory resolves room membership and owns group rooms.
type Directory struct {
	groups database.GroupRepository
}

func NewDirectory(groups database.GroupRepository) *Directory {
	return &Directory{groups: groups}
}

// CheckAccess returns a Forbidden error when userId may not read or write
// roomId.
func (d *Directory) CheckAccess(ctx context.Context, roomId, userId string) error {
	const op = "CheckAccess"

	kind, members, err := ParseRoom(roomId)
	if err != nil {
		return err
	}

	switch kind {
	case RoomPublic:
		return nil
	case RoomPair:
		if members[0] == userId || members[1] == userId {
			return nil
		}
		return errs.Forbidden(op, "not a member of this conversation")
	}

	g, err := d.groups.GetGroup(ctx, roomId)
	if err != nil {
		return storeErr(op, err)
	}
	for _, m := range g.Members {
		if m == userId {
			return nil
		}
	}
	return errs.Forbidden(op, "not a member of this group")
}

// Peer returns the other member of a pairwise room.
func (d *Directory) Peer(roomId, userId string) (string, bool) {
	kind, members, err := ParseRoom(roomId)
	if err != nil || kind != RoomPair {
		return "", false
	}
	if members[0] == userId {
		return members[1], true
	}
	return members[0], true
}

func (d *Directory) CreateGroup(ctx context.Context, ownerId, name string, members []string) (types.Group, error) {
	const op = "CreateGroup"

	name = strings.TrimSpace(name)
	if name == "" {
		return types.Group{}, errs.Validation(op, "group name is required")
	}

	id, err := shortid.Generate()
	if err != nil {
		return types.Group{}, errs.Wrap(errs.KindInternal, op, err)
	}

	g, err := d.groups.CreateGroup(ctx, database.CreateGroupParams{
		Id:      groupPrefix + id,
		Name:    name,
		OwnerId: ownerId,
		Members: members,
	})
	if err != nil {
		return types.Group{}, storeErr(op, err)
	}

	return toGroup(g), nil
}

func (d *Directory) ListGroups(ctx context.Context, userId string) ([]types.Group, error) {
	groups, err := d.groups.ListGroups(ctx, userId)
	if err != nil {
		return nil, storeErr("ListGroups", err)
	}

	out := make([]types.Group, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroup(g))
	}
	return out, nil
}

// InviteMember records a pending invite from a member of groupId. Inviting
// someone who is already invited or already a member is a no-op.
func (d *Directory) InviteMember(ctx context.Context, groupId, inviterId, inviteeId string) error {
	const op = "InviteMember"

	if inviteeId == "" {
		return errs.Validation(op, "invitee is required")
	}
	if kind, _, err := ParseRoom(groupId); err != nil || kind != RoomGroup {
		return errs.Validation(op, "not a group room")
	}
	if err := d.CheckAccess(ctx, groupId, inviterId); err != nil {
		return err
	}

	err := d.groups.CreateInvite(ctx, database.GroupInvite{
		GroupId:   groupId,
		AccountId: inviteeId,
		InvitedBy: inviterId,
	})
	if errors.Is(err, database.ErrConflict) {
		return nil
	}
	if err != nil {
		return storeErr(op, err)
	}
	return nil
}

// AcceptInvite makes userId a member of groupId. It fails with NotFound
// when no invite is pending.
func (d *Directory) AcceptInvite(ctx context.Context, groupId, userId string) (types.Group, error) {
	const op = "AcceptInvite"

	if err := d.groups.AcceptInvite(ctx, groupId, userId); err != nil {
		return types.Group{}, storeErr(op, err)
	}

	g, err := d.groups.GetGroup(ctx, groupId)
	if err != nil {
		return types.Group{}, storeErr(op, err)
	}
	return toGroup(g), nil
}

func (d *Directory) PendingInvites(ctx context.Context, userId string) ([]types.GroupInvite, error) {
	invites, err := d.groups.ListInvites(ctx, userId)
	if err != nil {
		return nil, storeErr("PendingInvites", err)
	}

	out := make([]types.GroupInvite, 0, len(invites))
	for _, inv := range invites {
		out = append(out, types.GroupInvite{
			GroupId:   inv.GroupId,
			GroupName: inv.GroupName,
			InvitedBy: inv.InvitedBy,
			CreatedAt: inv.CreatedAt,
		})
	}
	return out, nil
}

func toGroup(g database.Group) types.Group {
	return types.Group{
		Id:        g.Id,
		Name:      g.Name,
		OwnerId:   g.OwnerId,
		Members:   g.Members,
		CreatedAt: g.CreatedAt,
	}
}
