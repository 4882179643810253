package chat

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNodeNotFound    = errors.New("chat: node not found")
	ErrVariantNotFound = errors.New("chat: variant not found")
	ErrMessageNotFound = errors.New("chat: message not found")
)

// DeleteOutcome classifies the result of a message deletion. The kind is
// separate from any user-facing string: presentation is the caller's job.
type DeleteOutcome int

const (
	DeleteSuccess DeleteOutcome = iota
	// DeleteBranchPointHeld is a policy rejection, not a failure: the
	// message has downstream content and must be deleted tail-first.
	DeleteBranchPointHeld
	DeleteFailed
)

// DeleteResult carries the outcome kind plus a short reason for the
// non-success cases.
type DeleteResult struct {
	Outcome DeleteOutcome
	Reason  string
}

func (c *Chat) findNode(nodeID string) *MessageNode {
	for i := range c.MessageNodes {
		if c.MessageNodes[i].NodeID == nodeID {
			return &c.MessageNodes[i]
		}
	}
	return nil
}

// nodeOfVariant returns the node owning variantID, or nil.
func (c *Chat) nodeOfVariant(variantID string) *MessageNode {
	for i := range c.MessageNodes {
		for j := range c.MessageNodes[i].Variants {
			if c.MessageNodes[i].Variants[j].VariantID == variantID {
				return &c.MessageNodes[i]
			}
		}
	}
	return nil
}

func (n *MessageNode) variant(variantID string) *MessageVariant {
	for i := range n.Variants {
		if n.Variants[i].VariantID == variantID {
			return &n.Variants[i]
		}
	}
	return nil
}

// pathIndexOfNode returns the position in CurrentVariantPath occupied by
// one of the node's variants, or -1.
func (c *Chat) pathIndexOfNode(n *MessageNode) int {
	for i, vid := range c.CurrentVariantPath {
		if n.variant(vid) != nil {
			return i
		}
	}
	return -1
}

func (c *Chat) rootNode() *MessageNode {
	for i := range c.MessageNodes {
		if c.MessageNodes[i].ParentNodeID == "" {
			return &c.MessageNodes[i]
		}
	}
	return nil
}

// Migrate converts a legacy linear chat into branching form. Each user
// turn starts a node with a single variant; the non-user turns that follow
// become that variant's responses. Flattening the result along the
// produced path reproduces the original message list exactly. Calling it
// on an already-branching chat is a no-op.
//
// A linear chat whose first turn is not a user turn is left linear: the
// tree has no slot for leading responses, and converting it would break
// the round-trip law.
func (c *Chat) Migrate() {
	if c.IsBranching() || len(c.Messages) == 0 {
		return
	}
	if c.Messages[0].Role != RoleUser {
		return
	}

	var nodes []MessageNode
	var path []string

	for _, m := range c.Messages {
		if m.Role == RoleUser {
			node := MessageNode{NodeID: uuid.NewString()}
			variant := MessageVariant{VariantID: uuid.NewString(), Responses: []Message{}}
			m.NodeID = node.NodeID
			m.VariantID = variant.VariantID
			variant.UserMessage = m

			if len(nodes) > 0 {
				prev := &nodes[len(nodes)-1]
				node.ParentNodeID = prev.NodeID
				prev.Variants[0].ChildNodeID = node.NodeID
			}
			node.Variants = []MessageVariant{variant}
			nodes = append(nodes, node)
			path = append(path, variant.VariantID)
			continue
		}

		cur := &nodes[len(nodes)-1].Variants[0]
		m.NodeID = nodes[len(nodes)-1].NodeID
		m.VariantID = cur.VariantID
		cur.Responses = append(cur.Responses, m)
	}

	c.MessageNodes = nodes
	c.CurrentVariantPath = path
	c.RebuildMessages()
}

// BuildMessagesFromPath flattens the tree along an explicit path: for each
// variant id, append its user message then its responses. Lookups are
// linear scans; chats stay in the low hundreds of turns.
func BuildMessagesFromPath(nodes []MessageNode, path []string) []Message {
	var out []Message
	for _, vid := range path {
		for i := range nodes {
			if v := nodes[i].variant(vid); v != nil {
				out = append(out, v.UserMessage)
				out = append(out, v.Responses...)
				break
			}
		}
	}
	return out
}

// RebuildMessages rebuilds the flat message cache by walking forward from
// the root via child links, at each node selecting the variant present in
// CurrentVariantPath if any and falling back to the first variant. Unlike
// BuildMessagesFromPath this tolerates a path shorter than the tree depth
// (e.g. after a deletion) and still yields a fully connected flattening.
func (c *Chat) RebuildMessages() {
	if !c.IsBranching() {
		return
	}

	onPath := make(map[string]bool, len(c.CurrentVariantPath))
	for _, vid := range c.CurrentVariantPath {
		onPath[vid] = true
	}

	out := []Message{}
	node := c.rootNode()
	for node != nil {
		v := &node.Variants[0]
		for i := range node.Variants {
			if onPath[node.Variants[i].VariantID] {
				v = &node.Variants[i]
				break
			}
		}
		out = append(out, v.UserMessage)
		out = append(out, v.Responses...)
		if v.ChildNodeID == "" {
			break
		}
		node = c.findNode(v.ChildNodeID)
	}
	c.Messages = out
}

// CreateBranch starts a new variant at an existing node: the "edit a prior
// message and resend" operation. The active path keeps its prefix above
// the node and ends at the new variant; everything downstream of the edit
// stays in storage, reachable by switching back. Existing variants are
// never touched.
func (c *Chat) CreateBranch(nodeID string, newUserMessage Message) (string, error) {
	c.Migrate()

	node := c.findNode(nodeID)
	if node == nil {
		return "", fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	variant := MessageVariant{VariantID: uuid.NewString(), Responses: []Message{}}
	newUserMessage.NodeID = node.NodeID
	newUserMessage.VariantID = variant.VariantID
	variant.UserMessage = newUserMessage
	node.Variants = append(node.Variants, variant)

	cut := c.pathIndexOfNode(node)
	if cut < 0 {
		cut = len(c.CurrentVariantPath)
	}
	c.CurrentVariantPath = append(c.CurrentVariantPath[:cut], variant.VariantID)
	c.RebuildMessages()
	return variant.VariantID, nil
}

// AddResponseToCurrentVariant appends a streamed assistant or tool turn to
// the variant at the end of the active path. On a chat with no path it
// degrades to a plain linear append.
func (c *Chat) AddResponseToCurrentVariant(response Message) error {
	if len(c.CurrentVariantPath) == 0 {
		c.Messages = append(c.Messages, response)
		return nil
	}

	last := c.CurrentVariantPath[len(c.CurrentVariantPath)-1]
	node := c.nodeOfVariant(last)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrVariantNotFound, last)
	}
	v := node.variant(last)
	response.NodeID = node.NodeID
	response.VariantID = v.VariantID
	v.Responses = append(v.Responses, response)
	c.RebuildMessages()
	return nil
}

// SwitchVariant re-points the active path at another variant of a node,
// then greedily extends the path forward through child links. At every
// descendant node it prefers the variant that was already on the old path,
// so switching back and forth preserves the user's prior exploration;
// only when the old selection is gone does it fall back to the first
// variant.
func (c *Chat) SwitchVariant(nodeID string, variantIndex int) error {
	node := c.findNode(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if variantIndex < 0 || variantIndex >= len(node.Variants) {
		return fmt.Errorf("chat: variant index %d out of range for node %s", variantIndex, nodeID)
	}

	wasOnPath := make(map[string]bool, len(c.CurrentVariantPath))
	for _, vid := range c.CurrentVariantPath {
		wasOnPath[vid] = true
	}

	// Reconstruct the prefix root -> node by following the chain of
	// ancestors, at each one keeping whichever variant actually links to
	// the next node in the chain.
	chain := []string{node.NodeID}
	for cur := node; cur.ParentNodeID != ""; {
		parent := c.findNode(cur.ParentNodeID)
		if parent == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, cur.ParentNodeID)
		}
		chain = append([]string{parent.NodeID}, chain...)
		cur = parent
	}

	path := make([]string, 0, len(chain))
	for i := 0; i < len(chain)-1; i++ {
		ancestor := c.findNode(chain[i])
		next := chain[i+1]
		var pick *MessageVariant
		for j := range ancestor.Variants {
			v := &ancestor.Variants[j]
			if v.ChildNodeID != next {
				continue
			}
			if pick == nil || wasOnPath[v.VariantID] {
				pick = v
			}
			if wasOnPath[v.VariantID] {
				break
			}
		}
		if pick == nil {
			return fmt.Errorf("chat: broken chain above node %s", nodeID)
		}
		path = append(path, pick.VariantID)
	}

	chosen := &node.Variants[variantIndex]
	path = append(path, chosen.VariantID)
	path = c.extendPath(path, chosen, wasOnPath)

	c.CurrentVariantPath = path
	c.RebuildMessages()
	return nil
}

// extendPath follows child links to the true end of the tree, preferring
// variants that were on the previous path.
func (c *Chat) extendPath(path []string, from *MessageVariant, wasOnPath map[string]bool) []string {
	cur := from
	for cur.ChildNodeID != "" {
		node := c.findNode(cur.ChildNodeID)
		if node == nil {
			break
		}
		next := &node.Variants[0]
		for i := range node.Variants {
			if wasOnPath[node.Variants[i].VariantID] {
				next = &node.Variants[i]
				break
			}
		}
		path = append(path, next.VariantID)
		cur = next
	}
	return path
}

// AddUserMessageAsNewNode appends a new node after the true end of the
// active path. A switch can leave the path pointing mid-tree, so the tail
// variant's child chain is followed first; the traversed variants join the
// path. An existing fork below the tail is never overwritten. On an empty
// tree this creates the root node.
func (c *Chat) AddUserMessageAsNewNode(userMessage Message) string {
	if len(c.MessageNodes) == 0 && len(c.Messages) > 0 {
		c.Migrate()
	}

	node := MessageNode{NodeID: uuid.NewString()}
	variant := MessageVariant{VariantID: uuid.NewString(), Responses: []Message{}}
	userMessage.NodeID = node.NodeID
	userMessage.VariantID = variant.VariantID
	variant.UserMessage = userMessage
	node.Variants = []MessageVariant{variant}

	if len(c.MessageNodes) == 0 {
		c.MessageNodes = []MessageNode{node}
		c.CurrentVariantPath = []string{variant.VariantID}
		c.RebuildMessages()
		return node.NodeID
	}

	onPath := make(map[string]bool, len(c.CurrentVariantPath))
	for _, vid := range c.CurrentVariantPath {
		onPath[vid] = true
	}

	// Locate the tail variant of the path, then walk to the true end.
	var tail *MessageVariant
	if len(c.CurrentVariantPath) > 0 {
		last := c.CurrentVariantPath[len(c.CurrentVariantPath)-1]
		if owner := c.nodeOfVariant(last); owner != nil {
			tail = owner.variant(last)
		}
	}
	if tail == nil {
		root := c.rootNode()
		tail = &root.Variants[0]
		for i := range root.Variants {
			if onPath[root.Variants[i].VariantID] {
				tail = &root.Variants[i]
				break
			}
		}
		c.CurrentVariantPath = append([]string{}, tail.VariantID)
	}
	for tail.ChildNodeID != "" {
		childNode := c.findNode(tail.ChildNodeID)
		if childNode == nil {
			break
		}
		next := &childNode.Variants[0]
		for i := range childNode.Variants {
			if onPath[childNode.Variants[i].VariantID] {
				next = &childNode.Variants[i]
				break
			}
		}
		c.CurrentVariantPath = append(c.CurrentVariantPath, next.VariantID)
		tail = next
	}

	tailNode := c.nodeOfVariant(tail.VariantID)
	node.ParentNodeID = tailNode.NodeID
	if tail.ChildNodeID == "" {
		tail.ChildNodeID = node.NodeID
	}
	c.MessageNodes = append(c.MessageNodes, node)
	c.CurrentVariantPath = append(c.CurrentVariantPath, variant.VariantID)
	c.RebuildMessages()
	return node.NodeID
}

// DeleteMessage removes a single message from the chat. The tree only
// keeps forward child pointers, so anything with downstream content is
// refused: callers delete tail-first rather than orphaning a subtree.
func (c *Chat) DeleteMessage(messageID string) DeleteResult {
	if !c.IsBranching() {
		for i := range c.Messages {
			if c.Messages[i].ID == messageID {
				c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
				return DeleteResult{Outcome: DeleteSuccess}
			}
		}
		return DeleteResult{Outcome: DeleteFailed, Reason: "message not found"}
	}

	node, variant, respIdx := c.locateMessage(messageID)
	if node == nil {
		return DeleteResult{Outcome: DeleteFailed, Reason: "message not found"}
	}

	if respIdx >= 0 {
		// Assistant/tool response inside a variant.
		if respIdx != len(variant.Responses)-1 || variant.ChildNodeID != "" {
			return DeleteResult{Outcome: DeleteBranchPointHeld, Reason: "messages after it must be deleted first"}
		}
		variant.Responses = append(variant.Responses[:respIdx], variant.Responses[respIdx+1:]...)
		c.RebuildMessages()
		return DeleteResult{Outcome: DeleteSuccess}
	}

	// The variant's user message: refuse while anything follows it.
	if len(variant.Responses) > 0 || variant.ChildNodeID != "" {
		return DeleteResult{Outcome: DeleteBranchPointHeld, Reason: "messages after it must be deleted first"}
	}

	c.removeVariant(node, variant.VariantID)
	if !c.IsBranching() {
		// Deleting the root's last variant empties the tree.
		c.Messages = []Message{}
		c.CurrentVariantPath = nil
		return DeleteResult{Outcome: DeleteSuccess}
	}
	c.RebuildMessages()
	return DeleteResult{Outcome: DeleteSuccess}
}

// locateMessage finds the node and variant owning a message id, preferring
// variants on the active path when a node holds several candidates.
// respIdx is -1 when the match is the variant's user message.
func (c *Chat) locateMessage(messageID string) (node *MessageNode, variant *MessageVariant, respIdx int) {
	onPath := make(map[string]bool, len(c.CurrentVariantPath))
	for _, vid := range c.CurrentVariantPath {
		onPath[vid] = true
	}

	for i := range c.MessageNodes {
		n := &c.MessageNodes[i]
		for j := range n.Variants {
			v := &n.Variants[j]
			if v.UserMessage.ID == messageID {
				if node == nil || onPath[v.VariantID] {
					node, variant, respIdx = n, v, -1
				}
				continue
			}
			for k := range v.Responses {
				if v.Responses[k].ID == messageID {
					if node == nil || onPath[v.VariantID] {
						node, variant, respIdx = n, v, k
					}
				}
			}
		}
	}
	return node, variant, respIdx
}

// removeVariant drops a variant; an emptied node is removed whole, with
// the upstream child pointer cleared and the path repaired by falling back
// to the previous sibling, then index 0, then dropping the slot.
func (c *Chat) removeVariant(node *MessageNode, variantID string) {
	removedIdx := -1
	for i := range node.Variants {
		if node.Variants[i].VariantID == variantID {
			removedIdx = i
			break
		}
	}
	if removedIdx < 0 {
		return
	}

	pathIdx := -1
	for i, vid := range c.CurrentVariantPath {
		if vid == variantID {
			pathIdx = i
			break
		}
	}

	node.Variants = append(node.Variants[:removedIdx], node.Variants[removedIdx+1:]...)

	if len(node.Variants) == 0 {
		nodeID := node.NodeID
		for i := range c.MessageNodes {
			if c.MessageNodes[i].NodeID == nodeID {
				c.MessageNodes = append(c.MessageNodes[:i], c.MessageNodes[i+1:]...)
				break
			}
		}
		for i := range c.MessageNodes {
			for j := range c.MessageNodes[i].Variants {
				if c.MessageNodes[i].Variants[j].ChildNodeID == nodeID {
					c.MessageNodes[i].Variants[j].ChildNodeID = ""
				}
			}
		}
		if pathIdx >= 0 {
			c.CurrentVariantPath = append(c.CurrentVariantPath[:pathIdx], c.CurrentVariantPath[pathIdx+1:]...)
		}
		return
	}

	if pathIdx >= 0 {
		replacement := 0
		if removedIdx > 0 {
			replacement = removedIdx - 1
		}
		c.CurrentVariantPath[pathIdx] = node.Variants[replacement].VariantID
		// The removed variant had no downstream content, so the slot was
		// the path tail; extend along the surviving sibling's chain.
		onPath := make(map[string]bool, len(c.CurrentVariantPath))
		for _, vid := range c.CurrentVariantPath {
			onPath[vid] = true
		}
		c.CurrentVariantPath = c.extendPath(c.CurrentVariantPath, &node.Variants[replacement], onPath)
	}
}
