package model

import "github.com/dshills/promptflow-go/graph/store"

// MessagesFromPrompt renders p with vars into a system message followed by
// a user message. Empty parts are left out.
//
// Example:
//
//	msgs := model.MessagesFromPrompt(*sc.Prompt, map[string]any{"article": text})
func MessagesFromPrompt(p store.Prompt, vars map[string]any) []Message {
	var msgs []Message
	if system := p.FormatSystem(vars); system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	if user := p.Format(vars); user != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: user})
	}
	return msgs
}
