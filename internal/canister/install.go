package canister

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/idl"
	"github.com/starford/lightic/internal/modstore"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/parser"
	"github.com/starford/lightic/internal/principal"
)

// InstallMode selects how a module replaces the current one.
type InstallMode string

const (
	ModeInstall   InstallMode = "install"
	ModeReinstall InstallMode = "reinstall"
	ModeUpgrade   InstallMode = "upgrade"
)

// Custom sections that may embed the interface description.
var candidSections = []string{"icp:public candid:service", "icp:private candid:service"}

// emptyArgs is an empty Candid argument list.
var emptyArgs = []byte("DIDL\x00\x00")

// InstallOptions configure Install.
type InstallOptions struct {
	Mode InstallMode
	// Arg is the raw init argument. InitValues, when set and Arg is nil, are
	// encoded with the init argument types of the interface description.
	Arg        []byte
	InitValues []any
	// Candid overrides the interface description found in the module.
	Candid string
	Sender principal.Principal
}

// Install attaches mod to the canister. The new instance only replaces the
// running one after its init (or post_upgrade) hook succeeded.
func (c *WasmCanister) Install(ctx context.Context, mod *modstore.Module, opts InstallOptions) error {
	if opts.Mode == "" {
		opts.Mode = ModeInstall
	}
	switch opts.Mode {
	case ModeInstall:
		if c.live != nil {
			return fmt.Errorf("canister: install: %w: %s already has a module, use reinstall or upgrade", apperr.ErrConflict, c.id)
		}
	case ModeReinstall:
	case ModeUpgrade:
		if c.live == nil {
			return fmt.Errorf("canister: upgrade: %w: %s has no module", apperr.ErrNotFound, c.id)
		}
	default:
		return fmt.Errorf("canister: %w: install mode %q", apperr.ErrInvalidArgument, opts.Mode)
	}

	prev := c.live
	prevStable, prevCandid, prevIface := c.state.Stable.clone(), c.candid, c.iface
	prevCertified, prevTimer := c.state.CertifiedData, c.state.GlobalTimer

	if opts.Mode == ModeUpgrade && c.HasExport("canister_pre_upgrade") {
		pre := models.NewSystem(models.CallPreUpgrade, c.id, "canister_pre_upgrade", nil)
		pre.Sender = opts.Sender
		if err := c.ProcessMessage(ctx, pre); err != nil {
			return err
		}
		if pre.Status == models.StatusError {
			c.state.Stable = prevStable
			return fmt.Errorf("canister: pre_upgrade: %w",
				apperr.NewReject(int(pre.RejectionCode), "%s", pre.RejectionMessage))
		}
	}

	next, err := c.instantiate(ctx, mod)
	if err != nil {
		c.state.Stable = prevStable
		return fmt.Errorf("canister: install: %w", err)
	}
	c.live = next
	if opts.Mode != ModeUpgrade {
		c.state.Stable = StableMemory{}
		c.state.CertifiedData = nil
		c.state.GlobalTimer = 0
	}

	restore := func() {
		_ = next.close(ctx)
		c.live = prev
		c.state.Stable, c.candid, c.iface = prevStable, prevCandid, prevIface
		c.state.CertifiedData, c.state.GlobalTimer = prevCertified, prevTimer
	}

	if err := c.resolveInterface(ctx, opts.Candid); err != nil {
		restore()
		return err
	}

	arg, err := c.initArg(opts)
	if err != nil {
		restore()
		return err
	}

	c.state.Version++
	hook := models.NewInit(c.id, opts.Sender, arg)
	if opts.Mode == ModeUpgrade {
		hook = models.NewSystem(models.CallSystemTask, c.id, "canister_post_upgrade", arg)
		hook.Sender = opts.Sender
	}
	if c.HasExport(hook.ExportName()) {
		if err := c.ProcessMessage(ctx, hook); err != nil {
			restore()
			c.state.Version--
			return err
		}
		if hook.Status == models.StatusError {
			restore()
			c.state.Version--
			return fmt.Errorf("canister: %s: %w", hook.ExportName(),
				apperr.NewReject(int(hook.RejectionCode), "%s", hook.RejectionMessage))
		}
	}

	if prev != nil {
		if err := prev.close(ctx); err != nil {
			c.logger.Warn("close previous instance", slog.String("error", err.Error()))
		}
	}
	c.logger.Info("module installed",
		slog.String("mode", string(opts.Mode)),
		slog.String("module", mod.CID.String()),
		slog.Bool("interface", c.iface != nil))
	return nil
}

func (c *WasmCanister) initArg(opts InstallOptions) ([]byte, error) {
	if opts.Arg != nil {
		return opts.Arg, nil
	}
	if len(opts.InitValues) == 0 {
		return emptyArgs, nil
	}
	if c.iface == nil || !c.iface.HasInit {
		return nil, fmt.Errorf("canister: %w: init values given but the interface declares no init arguments", apperr.ErrInvalidArgument)
	}
	arg, err := idl.Encode(c.iface.InitArgs, opts.InitValues)
	if err != nil {
		return nil, fmt.Errorf("canister: init args: %w", err)
	}
	return arg, nil
}

// resolveInterface parses the interface description, either the explicit
// one or one recovered from the module. Only an explicit description that
// fails to parse, or a fault while querying the module, is an error.
func (c *WasmCanister) resolveInterface(ctx context.Context, explicit string) error {
	c.candid, c.iface = "", nil
	text := explicit
	if text == "" {
		recovered, err := c.recoverCandid(ctx)
		if err != nil {
			return err
		}
		text = recovered
	}
	if text == "" {
		c.logger.Warn("module carries no interface description")
		return nil
	}

	iface, err := buildInterface(text)
	if err != nil {
		if explicit != "" {
			return fmt.Errorf("canister: interface: %w: %v", apperr.ErrInvalidArgument, err)
		}
		c.logger.Warn("embedded interface description unusable", slog.String("error", err.Error()))
		return nil
	}
	c.candid, c.iface = text, iface
	return nil
}

func buildInterface(text string) (*idl.Interface, error) {
	prog, err := parser.Parse(text)
	if err != nil {
		return nil, err
	}
	return idl.Build(prog)
}

// recoverCandid asks the module for its interface text through the hidden
// query, then looks for it in the custom sections.
func (c *WasmCanister) recoverCandid(ctx context.Context) (string, error) {
	if c.HasExport("canister_query " + models.CandidInterfaceMethod) {
		q := models.NewCandidQuery(c.id)
		if err := c.ProcessMessage(ctx, q); err != nil {
			return "", err
		}
		if q.Status == models.StatusOk {
			vals, err := idl.Decode(q.Result, idl.NewArena().Prim(idl.KindText))
			if err == nil && len(vals) == 1 {
				if text, ok := vals[0].(string); ok {
					return text, nil
				}
			}
			c.logger.Debug("interface query returned no text", slog.Any("error", err))
		}
	}

	for _, name := range candidSections {
		if data, ok := c.live.module.Sections[name]; ok {
			return string(data), nil
		}
	}
	return "", nil
}
