// internal/humanoid/keyboard.go
package humanoid

import (
	"context"
	"fmt"
)

// Type inserts text one character at a time with a randomized inter-key
// delay. The focused element receives the characters.
func (h *Humanoid) Type(ctx context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	runes := []rune(text)
	for i, r := range runes {
		if err := h.executor.InsertText(ctx, string(r)); err != nil {
			return fmt.Errorf("humanoid: failed to type character %d: %w", i, err)
		}
		if !h.cfg.Enabled || i == len(runes)-1 {
			continue
		}
		if err := h.timing.Pause(ctx, h.executor, h.cfg.KeyDelayMin, h.cfg.KeyDelayMax); err != nil {
			return err
		}
	}
	return nil
}
