// Package prompt projects the persisted conversation of a session into a
// neutral block structure the agent runtime consumes.
package prompt

// Role classifies a prompt block.
type Role string

const (
	RoleSystem         Role = "system"
	RoleUser           Role = "user"
	RoleAssistant      Role = "assistant"
	RoleDeveloper      Role = "developer"
	RoleFunctionCall   Role = "function_call"
	RoleFunctionResult Role = "function_result"
)

// PendingResult is the literal result body for function calls that have not
// finished yet.
const PendingResult = "incomplete"

// Block is one prompt entry.
type Block struct {
	Role    Role
	Content string
	// Name and CallID pair function-call and function-result blocks.
	Name   string
	CallID string
	// CacheMarker flags a stable prefix boundary: everything up to and
	// including this block may be cached by the runtime.
	CacheMarker bool
}

// Prompt is an ordered block list.
type Prompt struct {
	Blocks []Block
}

// Append adds a block.
func (p *Prompt) Append(b Block) {
	p.Blocks = append(p.Blocks, b)
}

// Len returns the number of blocks.
func (p *Prompt) Len() int { return len(p.Blocks) }
