package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent/llm"
)

func TestPrepareMessages(t *testing.T) {
	tests := []struct {
		name         string
		input        []llm.CompletionMessage
		expectSystem string
		expectRoles  []llm.CompletionRole
		errContains  string
	}{
		{
			name:        "empty messages",
			input:       []llm.CompletionMessage{},
			errContains: "message list cannot be empty",
		},
		{
			name: "system only",
			input: []llm.CompletionMessage{
				llm.NewSystemMessage("be brief"),
			},
			errContains: "at least one non-system message",
		},
		{
			name: "system extracted from conversation",
			input: []llm.CompletionMessage{
				llm.NewSystemMessage("be brief"),
				llm.NewUserMessage("hello"),
			},
			expectSystem: "be brief",
			expectRoles:  []llm.CompletionRole{llm.RoleUser},
		},
		{
			name: "consecutive user messages merged",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("first"),
				llm.NewUserMessage("second"),
			},
			expectRoles: []llm.CompletionRole{llm.RoleUser},
		},
		{
			name: "alternation preserved around assistant turn",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("plan this"),
				{Role: llm.RoleAssistant, Content: "the plan"},
				llm.NewUserMessage("approved, go"),
			},
			expectRoles: []llm.CompletionRole{llm.RoleUser, llm.RoleAssistant, llm.RoleUser},
		},
		{
			name: "assistant first rejected",
			input: []llm.CompletionMessage{
				{Role: llm.RoleAssistant, Content: "unprompted"},
				llm.NewUserMessage("hello"),
			},
			errContains: "first message must be user role",
		},
		{
			name: "assistant last rejected",
			input: []llm.CompletionMessage{
				llm.NewUserMessage("hello"),
				{Role: llm.RoleAssistant, Content: "reply"},
			},
			errContains: "last message must be user role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, prepared, err := prepareMessages(tt.input)

			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectSystem, system)

			roles := make([]llm.CompletionRole, 0, len(prepared))
			for _, m := range prepared {
				roles = append(roles, m.Role)
			}
			assert.Equal(t, tt.expectRoles, roles)
		})
	}
}

func TestPrepareMessagesMergesWithBlankLine(t *testing.T) {
	system, prepared, err := prepareMessages([]llm.CompletionMessage{
		llm.NewUserMessage("context block"),
		llm.NewUserMessage("the task"),
	})

	require.NoError(t, err)
	assert.Empty(t, system)
	require.Len(t, prepared, 1)
	assert.Equal(t, "context block\n\nthe task", prepared[0].Content)
}
