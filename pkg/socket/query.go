package socket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/technocode/Cobalt/pkg/binary"
)

// Query is an <iq> request.
type Query struct {
	ID        string
	Namespace string
	Type      string
	To        binary.JID
	Target    binary.JID
	Content   []*binary.Node
}

func (q Query) node() *binary.Node {
	attrs := []binary.Attr{
		binary.StringAttr("xmlns", q.Namespace),
		binary.StringAttr("type", q.Type),
		binary.JIDAttr("to", q.To),
	}
	if q.ID != "" {
		attrs = append(attrs, binary.StringAttr("id", q.ID))
	}
	if !q.Target.IsEmpty() {
		attrs = append(attrs, binary.JIDAttr("target", q.Target))
	}
	return binary.NewNode("iq", attrs, q.Content...)
}

// SendQuery sends an iq and waits for its result.
func (h *Handler) SendQuery(ctx context.Context, q Query) (*binary.Node, error) {
	return h.Send(ctx, q.node())
}

// SendInteractiveQuery runs a usync query over users and returns the
// <user> nodes of the answer.
func (h *Handler) SendInteractiveQuery(ctx context.Context, queries []*binary.Node, users []*binary.Node) ([]*binary.Node, error) {
	return h.usync(ctx, "interactive", queries, users)
}

func (h *Handler) usync(ctx context.Context, mode string, queries []*binary.Node, users []*binary.Node) ([]*binary.Node, error) {
	resp, err := h.SendQuery(ctx, Query{
		Namespace: "usync",
		Type:      "get",
		To:        binary.ServerJID,
		Content: []*binary.Node{binary.NewNode("usync", []binary.Attr{
			binary.StringAttr("sid", h.requests.NextID()),
			binary.StringAttr("mode", "query"),
			binary.StringAttr("last", "true"),
			binary.StringAttr("index", "0"),
			binary.StringAttr("context", mode),
		},
			binary.NewNode("query", nil, queries...),
			binary.NewNode("list", nil, users...),
		)},
	})
	if err != nil {
		return nil, err
	}
	list, ok := resp.ChildByPath("usync", "list")
	if !ok {
		return nil, fmt.Errorf("%w: usync answer without list", binary.ErrUnexpectedNode)
	}
	return list.ChildrenByTag("user"), nil
}

func userNode(jid binary.JID) *binary.Node {
	return binary.NewNode("user", []binary.Attr{binary.JIDAttr("jid", jid)})
}

// SendReceipt marks messages of chat as delivered ("" type), read, or any
// other receipt type. The first id goes in the receipt itself and the rest
// in <list><item>.
func (h *Handler) SendReceipt(ctx context.Context, chat binary.JID, participant *binary.JID, receiptType string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	attrs := []binary.Attr{binary.StringAttr("id", ids[0])}
	if receiptType == "sender" && participant != nil {
		attrs = append(attrs, binary.JIDAttr("to", *participant), binary.JIDAttr("recipient", chat))
	} else {
		attrs = append(attrs, binary.JIDAttr("to", chat))
		if participant != nil {
			attrs = append(attrs, binary.JIDAttr("participant", *participant))
		}
	}
	if receiptType != "" {
		attrs = append(attrs, binary.StringAttr("type", receiptType))
	}
	if receiptType == "read" || receiptType == "read-self" {
		attrs = append(attrs, binary.IntAttr("t", time.Now().Unix()))
	}
	var children []*binary.Node
	if len(ids) > 1 {
		items := make([]*binary.Node, 0, len(ids)-1)
		for _, id := range ids[1:] {
			items = append(items, binary.NewNode("item", []binary.Attr{binary.StringAttr("id", id)}))
		}
		children = append(children, binary.NewNode("list", nil, items...))
	}
	return h.SendWithNoResponse(ctx, binary.NewNode("receipt", attrs, children...))
}

// SendMessageAck acknowledges a received stanza so the server stops
// redelivering it.
func (h *Handler) SendMessageAck(ctx context.Context, node *binary.Node) error {
	attrs := []binary.Attr{
		binary.StringAttr("id", node.ID()),
		binary.StringAttr("class", node.Tag()),
	}
	if from, ok := node.Attr("from"); ok {
		attrs = append(attrs, binary.Attr{Key: "to", Value: from})
	}
	if participant, ok := node.Attr("participant"); ok {
		attrs = append(attrs, binary.Attr{Key: "participant", Value: participant})
	}
	if recipient, ok := node.Attr("recipient"); ok {
		attrs = append(attrs, binary.Attr{Key: "recipient", Value: recipient})
	}
	if kind := node.AttrString("type"); kind != "" && node.Tag() != "message" {
		attrs = append(attrs, binary.StringAttr("type", kind))
	}
	return h.SendWithNoResponse(ctx, binary.NewNode("ack", attrs))
}

// SubscribeToPresence asks for presence updates of jid.
func (h *Handler) SubscribeToPresence(ctx context.Context, jid binary.JID) error {
	return h.SendWithNoResponse(ctx, binary.NewNode("presence", []binary.Attr{
		binary.JIDAttr("to", jid),
		binary.StringAttr("type", "subscribe"),
	}))
}

// SendPresence announces this client as available or unavailable.
func (h *Handler) SendPresence(ctx context.Context, available bool) error {
	kind := "unavailable"
	if available {
		kind = "available"
	}
	attrs := []binary.Attr{binary.StringAttr("type", kind)}
	if name := h.Session().Store.Name(); name != "" {
		attrs = append(attrs, binary.StringAttr("name", name))
	}
	return h.SendWithNoResponse(ctx, binary.NewNode("presence", attrs))
}

// QueryAbout returns the about text of jid.
func (h *Handler) QueryAbout(ctx context.Context, jid binary.JID) (string, error) {
	users, err := h.SendInteractiveQuery(ctx,
		[]*binary.Node{binary.NewNode("status", nil)},
		[]*binary.Node{userNode(jid.ToNonAD())})
	if err != nil {
		return "", err
	}
	for _, user := range users {
		if status, ok := user.Child("status"); ok {
			return string(status.Data()), nil
		}
	}
	return "", nil
}

// QueryPicture returns the URL of jid's profile picture, or "" if there is
// none.
func (h *Handler) QueryPicture(ctx context.Context, jid binary.JID) (string, error) {
	resp, err := h.SendQuery(ctx, Query{
		Namespace: "w:profile:picture",
		Type:      "get",
		To:        binary.ServerJID,
		Target:    jid,
		Content: []*binary.Node{binary.NewNode("picture", []binary.Attr{
			binary.StringAttr("query", "url"),
			binary.StringAttr("type", "image"),
		})},
	})
	if err != nil {
		var iqErr *IQError
		if errors.As(err, &iqErr) && (iqErr.Code == 404 || iqErr.Code == 401) {
			return "", nil
		}
		return "", err
	}
	picture, ok := resp.Child("picture")
	if !ok {
		return "", nil
	}
	return picture.AttrString("url"), nil
}

// QueryBlockList returns the blocked contacts.
func (h *Handler) QueryBlockList(ctx context.Context) ([]binary.JID, error) {
	resp, err := h.SendQuery(ctx, Query{Namespace: "blocklist", Type: "get", To: binary.ServerJID})
	if err != nil {
		return nil, err
	}
	list, ok := resp.Child("list")
	if !ok {
		return nil, nil
	}
	var out []binary.JID
	for _, item := range list.ChildrenByTag("item") {
		if jid, ok := item.AttrJID("jid"); ok {
			out = append(out, jid)
		}
	}
	return out, nil
}

// GroupParticipant is a member of a group.
type GroupParticipant struct {
	JID          binary.JID
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupMetadata describes a group.
type GroupMetadata struct {
	JID          binary.JID
	Subject      string
	Creator      binary.JID
	Created      time.Time
	Participants []GroupParticipant
}

// QueryGroupMetadata fetches the subject and members of group.
func (h *Handler) QueryGroupMetadata(ctx context.Context, group binary.JID) (*GroupMetadata, error) {
	resp, err := h.SendQuery(ctx, Query{
		Namespace: "w:g2",
		Type:      "get",
		To:        group,
		Content: []*binary.Node{binary.NewNode("query", []binary.Attr{
			binary.StringAttr("request", "interactive"),
		})},
	})
	if err != nil {
		return nil, err
	}
	node, ok := resp.Child("group")
	if !ok {
		return nil, fmt.Errorf("%w: group answer without <group>", binary.ErrUnexpectedNode)
	}
	meta := &GroupMetadata{JID: binary.NewJID(node.AttrString("id"), binary.GroupServer), Subject: node.AttrString("subject")}
	if creator, ok := node.AttrJID("creator"); ok {
		meta.Creator = creator
	}
	if created, ok := node.AttrInt("creation"); ok {
		meta.Created = time.Unix(created, 0)
	}
	for _, participant := range node.ChildrenByTag("participant") {
		jid, ok := participant.AttrJID("jid")
		if !ok {
			continue
		}
		kind := participant.AttrString("type")
		meta.Participants = append(meta.Participants, GroupParticipant{
			JID:          jid,
			IsAdmin:      kind == "admin" || kind == "superadmin",
			IsSuperAdmin: kind == "superadmin",
		})
	}
	return meta, nil
}

// GetUserDevices returns every device of users, using the device cache and
// a usync query for the rest.
func (h *Handler) GetUserDevices(ctx context.Context, users []binary.JID) ([]binary.JID, error) {
	var devices []binary.JID
	var missing []*binary.Node
	seen := make(map[string]bool)
	for _, user := range users {
		plain := user.ToNonAD()
		if seen[plain.User] {
			continue
		}
		seen[plain.User] = true
		if cached, ok := h.devices.Get(plain.User); ok {
			devices = append(devices, cached.([]binary.JID)...)
			continue
		}
		missing = append(missing, userNode(plain))
	}
	if len(missing) == 0 {
		return devices, nil
	}

	answers, err := h.usync(ctx, "message",
		[]*binary.Node{binary.NewNode("devices", []binary.Attr{binary.StringAttr("version", "2")})},
		missing)
	if err != nil {
		return nil, fmt.Errorf("device query: %w", err)
	}
	for _, user := range answers {
		jid, ok := user.AttrJID("jid")
		if !ok {
			continue
		}
		list, ok := user.ChildByPath("devices", "device-list")
		if !ok {
			continue
		}
		var userDevices []binary.JID
		for _, device := range list.ChildrenByTag("device") {
			id, ok := device.AttrInt("id")
			if !ok {
				continue
			}
			userDevices = append(userDevices, binary.JID{User: jid.User, Device: uint8(id), Server: binary.DefaultUserServer})
		}
		h.devices.Set(jid.User, userDevices, cache.DefaultExpiration)
		devices = append(devices, userDevices...)
	}
	return devices, nil
}

func parseUnix(node *binary.Node, key string) time.Time {
	value := node.AttrString(key)
	if value == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0)
}
