package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/alerts"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/anonymity"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/bitacora"
	"github.com/escuelasegura/alert-casemgmt/internal/pkg/application/session"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

var errUsage = errors.New("usage")

// remote is the part of the alerts client the commands need.
type remote interface {
	alerts.AlertRepository
	bitacora.Repository
	session.Sources
	GetAttachment(ctx context.Context, attachmentRef string) (types.Attachment, error)
}

type app struct {
	remote  remote
	session *session.Session
	ledger  bitacora.Ledger
	svc     alerts.AlertService
	guard   anonymity.Guard
	out     io.Writer
}

func newApp(r remote, scope string, counterTTL time.Duration, guard anonymity.Guard, out io.Writer) *app {
	s := session.New(scope, r, counterTTL)
	ledger := bitacora.New(r, nil)

	return &app{
		remote:  r,
		session: s,
		ledger:  ledger,
		svc:     alerts.New(r, ledger, s, nil),
		guard:   guard,
		out:     out,
	}
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd, args := args[0], args[1:]

	switch cmd {
	case "pending":
		return a.pending(ctx)
	case "list":
		return a.list(ctx)
	case "show":
		return a.show(ctx, args)
	case "transition":
		return a.transition(ctx, args)
	case "assign":
		return a.assign(ctx, args)
	case "append":
		return a.appendEntry(ctx, args)
	case "bitacora":
		return a.bitacora(ctx, args)
	case "attachment":
		return a.attachment(ctx, args)
	case "read":
		return a.read(ctx, args)
	case "roster":
		return a.roster(ctx)
	case "vocab":
		return a.vocab(ctx, args)
	default:
		return errUsage
	}
}

func (a *app) requireScope() error {
	if a.session.Scope == "" {
		return types.NewValidationError("Indique el establecimiento",
			types.FieldError{Field: "scope", Message: "use -scope o ALERTS_SCOPE"})
	}
	return nil
}

func (a *app) pending(ctx context.Context) error {
	if err := a.requireScope(); err != nil {
		return err
	}

	// the counter fails open, an unreachable service shows as zero
	fmt.Fprintln(a.out, a.session.Counter.PendingCount(ctx, a.session.Scope))
	return nil
}

func (a *app) list(ctx context.Context) error {
	if err := a.requireScope(); err != nil {
		return err
	}

	result, err := a.svc.List(ctx, a.session.Scope)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tESTADO\tPRIORIDAD\tESTUDIANTE\tRESPONSABLE\tVERSIÓN")

	for _, v := range a.guard.PresentAll(result) {
		responsible := "-"
		if v.Responsible != nil {
			responsible = v.Responsible.Name
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", v.ID, v.State, v.Priority.Name, v.Student.Name, responsible, v.Version)
	}

	return w.Flush()
}

func (a *app) show(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	alert, err := a.svc.Get(ctx, args[0])
	if err != nil {
		return err
	}

	return a.printJSON(a.guard.Present(alert))
}

func (a *app) transition(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}

	cmd := alerts.TransitionCommand{AlertID: args[0]}
	entry := bitacora.EntryInput{}

	fs := flag.NewFlagSet("transition", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Func("state", "target state", func(s string) error { cmd.TargetState = types.State(s); return nil })
	fs.StringVar(&cmd.Priority, "priority", "", "new priority")
	fs.StringVar(&cmd.Severity, "severity", "", "new severity")
	fs.StringVar(&cmd.Responsible, "responsible", "", "new responsible")
	fs.BoolVar(&cmd.Unassign, "unassign", false, "remove the responsible")
	fs.Int64Var(&cmd.ExpectedVersion, "version", 0, "the version the change is based on")
	fs.StringVar(&entry.Plan, "plan", "", "bitácora entry to add with the change")
	fs.StringVar(&entry.CommitmentDate, "commitment", "", "commitment date of the entry")
	fs.StringVar(&entry.RealizationDate, "realization", "", "realization date of the entry")

	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	if entry != (bitacora.EntryInput{}) {
		cmd.Entry = &entry
	}

	alert, err := a.svc.Transition(ctx, cmd)
	if err != nil {
		return err
	}

	return a.printJSON(a.guard.Present(alert))
}

func (a *app) assign(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errUsage
	}

	cmd := alerts.AssignCommand{AlertID: args[0], ResponsibleID: args[1]}

	fs := flag.NewFlagSet("assign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Int64Var(&cmd.ExpectedVersion, "version", 0, "the version the change is based on")
	if err := fs.Parse(args[2:]); err != nil {
		return errUsage
	}

	alert, err := a.svc.Assign(ctx, cmd)
	if err != nil {
		return err
	}

	return a.printJSON(a.guard.Present(alert))
}

func (a *app) appendEntry(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}

	in := bitacora.EntryInput{}
	var file string

	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&in.Plan, "plan", "", "the plan of action")
	fs.StringVar(&in.CommitmentDate, "commitment", "", "commitment date")
	fs.StringVar(&in.RealizationDate, "realization", "", "realization date")
	fs.StringVar(&file, "file", "", "a file to attach")
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	if file != "" {
		content, err := os.ReadFile(file)
		if err != nil {
			return types.NewValidationError("No fue posible leer el adjunto",
				types.FieldError{Field: "attachment", Message: err.Error()})
		}

		in.Attachment = &types.Attachment{
			Filename:    filepath.Base(file),
			ContentType: http.DetectContentType(content),
			Content:     content,
		}
	}

	entry, err := a.svc.AppendLedger(ctx, alerts.AppendLedgerCommand{AlertID: args[0], Entry: in})
	if err != nil {
		return err
	}

	return a.printJSON(entry)
}

func (a *app) bitacora(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}

	var sortBy string

	fs := flag.NewFlagSet("bitacora", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&sortBy, "sort", "", "commitment or realization")
	if err := fs.Parse(args[1:]); err != nil {
		return errUsage
	}

	entries, err := a.ledger.List(ctx, args[0])
	if err != nil {
		return err
	}

	if sortBy != "" {
		entries = bitacora.SortForDisplay(entries, bitacora.SortKey(sortBy))
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMPROMISO\tREALIZACIÓN\tPLAN\tADJUNTO")

	for _, e := range entries {
		realization := "-"
		if e.RealizationDate != nil {
			realization = e.RealizationDate.Format("2006-01-02")
		}
		attachment := "-"
		if e.AttachmentRef != "" {
			attachment = e.AttachmentRef
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CommitmentDate.Format("2006-01-02"), realization, e.Plan, attachment)
	}

	return w.Flush()
}

func (a *app) attachment(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}

	att, err := a.remote.GetAttachment(ctx, args[0])
	if err != nil {
		return err
	}

	if err = os.WriteFile(args[1], att.Content, 0o600); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "%s (%s, %d bytes)\n", att.Filename, att.ContentType, att.Size())
	return nil
}

func (a *app) read(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	return a.svc.MarkRead(ctx, alerts.MarkReadCommand{AlertID: args[0]})
}

func (a *app) roster(ctx context.Context) error {
	if err := a.requireScope(); err != nil {
		return err
	}

	eligible, err := a.session.Roster.EligibleResponsibles(ctx, a.session.Scope)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNOMBRE\tCARGO")
	for _, r := range eligible {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Name, r.Role)
	}

	return w.Flush()
}

func (a *app) vocab(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}

	var entries []types.VocabularyEntry
	var err error

	switch types.VocabularyKind(args[0]) {
	case types.VocabularyPriorities:
		entries, err = a.session.Vocabularies.Priorities(ctx)
	case types.VocabularySeverities:
		entries, err = a.session.Vocabularies.Severities(ctx)
	case types.VocabularyStates:
		entries, err = a.session.Vocabularies.States(ctx)
	default:
		return errUsage
	}

	if err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Fprintf(a.out, "%s\t%s\n", e.ID, e.Name)
	}

	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printError(w io.Writer, err error) {
	fmt.Fprintln(w, types.UserMessage(err))

	var verr *types.ValidationError
	if errors.As(err, &verr) {
		for _, f := range verr.Fields {
			fmt.Fprintf(w, "  %s: %s\n", f.Field, f.Message)
		}
	}

	if errors.Is(err, types.ErrConflict) {
		fmt.Fprintln(w, "  vuelva a consultar la alerta antes de reintentar")
	}
}
