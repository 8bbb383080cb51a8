package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hossein1376/hark/relay"
)

const operator = "relay"

const usage = `commands:
  approve <code>        pair the device showing this code or QR payload
  say <device> <text>   send text to an online device
  unpair <device>       forget a device and log it out
  devices               list paired devices
  pending               list codes waiting for approval`

// console reads operator commands, one per line.
type console struct {
	relay *relay.Relay
	out   io.Writer
}

func newConsole(r *relay.Relay, out io.Writer) *console {
	return &console{relay: r, out: out}
}

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := c.exec(ctx, scanner.Text()); err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "":
		return nil
	case "approve":
		if rest == "" {
			return fmt.Errorf("usage: approve <code>")
		}
		d, err := c.relay.Approve(rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "paired %s (%s)\n", d.ID, d.Name)
	case "say":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return fmt.Errorf("usage: say <device> <text>")
		}
		msg, err := c.relay.Deliver(ctx, operator, to, strings.TrimSpace(text))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "sent %s\n", msg.ID)
	case "unpair":
		if rest == "" {
			return fmt.Errorf("usage: unpair <device>")
		}
		if err := c.relay.Unpair(rest); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "unpaired %s\n", rest)
	case "devices":
		devices, err := c.relay.Devices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			fmt.Fprintln(c.out, "no paired devices")
			return nil
		}
		for _, d := range devices {
			state := "offline"
			if c.relay.Online(d.ID) {
				state = "online"
			}
			fmt.Fprintf(c.out, "%s  %-16s %-7s paired %s\n",
				d.ID, d.Name, state, d.PairedAt.Local().Format(time.DateTime))
		}
		fmt.Fprintf(c.out, "%d paired, %d online\n", len(devices), c.relay.OnlineCount())
	case "pending":
		refs := c.relay.Pending()
		if len(refs) == 0 {
			fmt.Fprintln(c.out, "no pending codes")
		}
		for _, p := range refs {
			fmt.Fprintf(c.out, "%s  %-16s expires in %s\n",
				p.Ref, p.Name, time.Until(p.Expires).Round(time.Second))
		}
	case "help":
		fmt.Fprintln(c.out, usage)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}

	return nil
}
