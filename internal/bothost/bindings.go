package bothost

import (
	"errors"
	"fmt"
	"log"

	"github.com/dop251/goja"

	"avalon-arena/internal/gamefile"
	"avalon-arena/internal/llm"
)

// bindHelper installs the one controlled import bot code gets: the `helper`
// object. Everything else on the runtime is pure ECMAScript.
func (b *Bot) bindHelper() {
	helper := b.rt.NewObject()

	helper.Set("askLLM", func(call goja.FunctionCall) goja.Value {
		prompt := call.Argument(0).String()

		player, slot := b.host.context()
		if player != b.pos {
			fatal := fmt.Errorf("askLLM context mismatch: current player %d, bot %d", player, b.pos)
			b.abort(fatal)
			return goja.Undefined()
		}

		reply, err := b.host.llmb.Ask(b.pos, slot, prompt)
		if err != nil {
			if errors.Is(err, llm.ErrQuotaExceeded) {
				b.abort(&Fault{
					Player: b.pos, Method: "askLLM", Kind: FaultRuntime,
					Message: err.Error(),
				})
				return goja.Undefined()
			}
			// Non-fatal gateway problems surface as a string the bot can read.
			reply = "LLM error: " + err.Error()
		}
		return b.rt.ToValue(reply)
	})

	helper.Set("readPublicLib", func(call goja.FunctionCall) goja.Value {
		records, err := b.host.files.ReadPublic(100)
		if err != nil {
			log.Printf("⚠️ [%s] readPublicLib failed for player %d: %v", b.host.battleID, b.pos, err)
			return b.rt.ToValue([]any{})
		}
		return b.rt.ToValue(records)
	})

	helper.Set("readPrivateLib", func(call goja.FunctionCall) goja.Value {
		p, err := b.host.files.ReadPrivate(b.pos)
		if err != nil {
			log.Printf("⚠️ [%s] readPrivateLib failed for player %d: %v", b.host.battleID, b.pos, err)
			return b.rt.ToValue([]string{})
		}
		return b.rt.ToValue(p.Logs)
	})

	helper.Set("writeIntoPrivate", func(call goja.FunctionCall) goja.Value {
		content := call.Argument(0).String()
		err := b.host.files.UpdatePrivate(b.pos, func(p *gamefile.Private) error {
			p.Logs = append(p.Logs, content)
			return nil
		})
		if err != nil {
			log.Printf("⚠️ [%s] writeIntoPrivate failed for player %d: %v", b.host.battleID, b.pos, err)
		}
		return goja.Undefined()
	})

	b.rt.Set("helper", helper)
}

// abort stops the running script and carries a fatal error out of the call.
func (b *Bot) abort(fatal error) {
	b.rt.Interrupt(&interruptReason{msg: fatal.Error(), fatal: fatal})
}
