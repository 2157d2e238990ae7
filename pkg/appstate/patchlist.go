package appstate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/technocode/Cobalt/pkg/binary"
	"github.com/technocode/Cobalt/pkg/waproto"
)

// PatchList is one collection's answer to a sync query.
type PatchList struct {
	Name           Collection
	HasMorePatches bool
	Patches        []*waproto.SyncdPatch
	Snapshot       *waproto.SyncdSnapshot
}

// BuildSyncRequest returns the <sync> element asking for patches after
// version. A full sync asks for the snapshot from version 0.
func BuildSyncRequest(name Collection, version uint64, fullSync bool) *binary.Node {
	if fullSync {
		version = 0
	}
	return binary.NewNode("sync", nil,
		binary.NewNode("collection", []binary.Attr{
			binary.StringAttr("name", string(name)),
			binary.StringAttr("version", strconv.FormatUint(version, 10)),
			binary.BoolAttr("return_snapshot", fullSync),
		}),
	)
}

// BuildPushRequest returns the <sync> element carrying one encoded patch.
func BuildPushRequest(name Collection, version uint64, patch []byte) *binary.Node {
	return binary.NewNode("sync", nil,
		binary.NewNode("collection", []binary.Attr{
			binary.StringAttr("name", string(name)),
			binary.StringAttr("version", strconv.FormatUint(version, 10)),
			binary.BoolAttr("return_snapshot", false),
		}, binary.NewBinaryNode("patch", nil, patch)),
	)
}

// ParsePatchList reads the collection named name from a sync response. The
// snapshot, if any, is downloaded through the processor's blob fetcher.
func (p *Processor) ParsePatchList(ctx context.Context, response *binary.Node, name Collection) (*PatchList, error) {
	var collection *binary.Node
	if sync, ok := response.Child("sync"); ok {
		for _, child := range sync.ChildrenByTag("collection") {
			if child.AttrString("name") == string(name) {
				collection = child
				break
			}
		}
	}
	if collection == nil {
		return nil, fmt.Errorf("%w: no <collection name=%q> in sync response", binary.ErrUnexpectedNode, name)
	}
	if errNode, ok := collection.Child("error"); ok {
		return nil, fmt.Errorf("sync %s: server error %s", name, errNode.AttrString("code"))
	}

	list := &PatchList{Name: name}
	if more, ok := collection.Attr("has_more_patches"); ok {
		list.HasMorePatches, _ = more.Bool()
	}
	if patches, ok := collection.Child("patches"); ok {
		for _, node := range patches.ChildrenByTag("patch") {
			patch := &waproto.SyncdPatch{}
			if err := patch.Unmarshal(node.Data()); err != nil {
				return nil, fmt.Errorf("patch of %s: %w", name, err)
			}
			list.Patches = append(list.Patches, patch)
		}
	}
	if snapshotNode, ok := collection.Child("snapshot"); ok && snapshotNode.HasData() {
		ref := &waproto.ExternalBlobReference{}
		if err := ref.Unmarshal(snapshotNode.Data()); err != nil {
			return nil, fmt.Errorf("snapshot reference of %s: %w", name, err)
		}
		snapshot, err := p.FetchSnapshot(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("snapshot of %s: %w", name, err)
		}
		list.Snapshot = snapshot
	}
	return list, nil
}
