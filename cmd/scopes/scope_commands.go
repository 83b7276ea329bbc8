package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"scopes/internal/daemonctl"
	"scopes/internal/rpc"
	"scopes/internal/scope"
	"scopes/internal/variant"
)

func newScopeCommands(ctx *commandContext) []*cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List installed scopes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(client *daemonctl.Client) error {
				list, err := client.Registry.List(cmd.Context())
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if len(list) == 0 {
					fmt.Fprintln(stdout, "No scopes installed")
					return nil
				}
				rows := make([][]string, 0, len(list))
				for _, id := range slices.Sorted(maps.Keys(list)) {
					meta := list[id]
					rows = append(rows, []string{id, meta.DisplayName, meta.Author, meta.Description})
				}
				fmt.Fprint(stdout, renderTable([]string{"Scope", "Name", "Author", "Description"}, rows, nil))
				return nil
			})
		},
	}

	metadataCmd := &cobra.Command{
		Use:   "metadata <scope-id>",
		Short: "Show the metadata of one scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(client *daemonctl.Client) error {
				meta, err := client.Registry.GetMetadata(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				writeMetadata(cmd.OutOrStdout(), meta)
				return nil
			})
		},
	}

	locateCmd := &cobra.Command{
		Use:   "locate <scope-id>",
		Short: "Start a scope if needed and print its endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd.Context(), func(client *daemonctl.Client) error {
				proxy, err := locate(cmd.Context(), ctx, client, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), proxy.String())
				return nil
			})
		},
	}

	var hintFlags queryHintFlags
	var cancelAfter time.Duration
	searchCmd := &cobra.Command{
		Use:   "search <scope-id> <query>",
		Short: "Run a search and print results as they arrive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hints, err := hintFlags.metadata()
			if err != nil {
				return err
			}
			return ctx.withClient(cmd.Context(), func(client *daemonctl.Client) error {
				proxy, err := locate(cmd.Context(), ctx, client, args[0])
				if err != nil {
					return err
				}
				listener := newPrintListener(cmd.OutOrStdout())
				ctrl, err := proxy.Search(cmd.Context(), args[1], hints, listener)
				if err != nil {
					return err
				}
				return listener.wait(cmd.Context(), ctrl, cancelAfter, hintFlags.timeout)
			})
		},
	}
	hintFlags.register(searchCmd)
	searchCmd.Flags().IntVar(&hintFlags.cardinality, "limit", 0, "Maximum number of results (0 for no limit)")
	searchCmd.Flags().DurationVar(&cancelAfter, "cancel-after", 0, "Cancel the query after this long")

	var previewFlags queryHintFlags
	previewCmd := &cobra.Command{
		Use:   "preview <scope-id> <uri>",
		Short: "Preview one result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hints, err := previewFlags.metadata()
			if err != nil {
				return err
			}
			return ctx.withClient(cmd.Context(), func(client *daemonctl.Client) error {
				proxy, err := locate(cmd.Context(), ctx, client, args[0])
				if err != nil {
					return err
				}
				listener := newPrintListener(cmd.OutOrStdout())
				ctrl, err := proxy.Preview(cmd.Context(), resultForURI(args[1]), hints, listener)
				if err != nil {
					return err
				}
				return listener.wait(cmd.Context(), ctrl, 0, previewFlags.timeout)
			})
		},
	}
	previewFlags.register(previewCmd)

	var activateFlags queryHintFlags
	activateCmd := &cobra.Command{
		Use:   "activate <scope-id> <uri>",
		Short: "Activate one result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hints, err := activateFlags.metadata()
			if err != nil {
				return err
			}
			return ctx.withClient(cmd.Context(), func(client *daemonctl.Client) error {
				proxy, err := locate(cmd.Context(), ctx, client, args[0])
				if err != nil {
					return err
				}
				listener := newPrintListener(cmd.OutOrStdout())
				ctrl, err := proxy.Activate(cmd.Context(), resultForURI(args[1]), hints, listener)
				if err != nil {
					return err
				}
				return listener.wait(cmd.Context(), ctrl, 0, activateFlags.timeout)
			})
		},
	}
	activateFlags.register(activateCmd)

	return []*cobra.Command{listCmd, metadataCmd, locateCmd, searchCmd, previewCmd, activateCmd}
}

type queryHintFlags struct {
	locale      string
	formFactor  string
	cardinality int
	timeout     time.Duration
}

func (f *queryHintFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.locale, "locale", "", "Locale hint (defaults to C)")
	cmd.Flags().StringVar(&f.formFactor, "form-factor", "desktop", "Form factor hint")
	cmd.Flags().DurationVar(&f.timeout, "timeout", time.Minute, "Give up waiting for the query after this long")
}

func (f *queryHintFlags) metadata() (scope.SearchMetadata, error) {
	hints, err := scope.NewSearchMetadata(f.locale, f.formFactor)
	if err != nil {
		return scope.SearchMetadata{}, err
	}
	if f.cardinality < 0 {
		return scope.SearchMetadata{}, fmt.Errorf("--limit must not be negative")
	}
	hints.Cardinality = f.cardinality
	return hints, nil
}

func locate(ctx context.Context, cc *commandContext, client *daemonctl.Client, scopeID string) (scope.ScopeProxy, error) {
	timeout := cc.configValue().LocateTimeout() + cc.configValue().TwowayTimeout()
	return client.Registry.Locate(ctx, scopeID, rpc.WithTimeout(timeout))
}

func resultForURI(uri string) variant.Map {
	return variant.Map{"uri": variant.String(uri)}
}

func writeMetadata(w io.Writer, meta scope.Metadata) {
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%-16s %s\n", label+":", value)
		}
	}
	opt := func(value *string) string {
		if value == nil {
			return ""
		}
		return *value
	}
	row("Scope", meta.ScopeID)
	row("Name", meta.DisplayName)
	row("Description", meta.Description)
	row("Author", meta.Author)
	row("Art", opt(meta.Art))
	row("Icon", opt(meta.Icon))
	row("Search hint", opt(meta.SearchHint))
	row("Hot key", opt(meta.HotKey))
	row("Directory", meta.ScopeDirectory)
	row("Endpoint", meta.Proxy.String())
}

// printListener writes every push it receives and reports the terminal
// event through done.
type printListener struct {
	mu   sync.Mutex
	out  io.Writer
	done chan finishEvent
}

type finishEvent struct {
	reason  scope.Reason
	message string
}

func newPrintListener(out io.Writer) *printListener {
	return &printListener{out: out, done: make(chan finishEvent, 1)}
}

func (l *printListener) PushCategory(category variant.Map) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, _ := category.OptString("id")
	title, _ := category.OptString("title")
	fmt.Fprintf(l.out, "category\t%s\t%s\n", id, title)
	return nil
}

func (l *printListener) Push(result variant.Map) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	uri, _ := result.OptString("uri")
	title, _ := result.OptString("title")
	fmt.Fprintf(l.out, "result\t%s\t%s\n", uri, title)
	return nil
}

func (l *printListener) PushPreview(widgets variant.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "preview\t%s\n", widgets.String())
	return nil
}

func (l *printListener) Activated(response variant.Map) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, _ := response.OptString("status")
	fmt.Fprintf(l.out, "activation\t%s\n", status)
	return nil
}

func (l *printListener) Finished(reason scope.Reason, message string) {
	l.done <- finishEvent{reason: reason, message: message}
}

// wait blocks until the query finishes. cancelAfter > 0 cancels the query
// once it elapses; the query still has to report its terminal event.
func (l *printListener) wait(ctx context.Context, ctrl scope.QueryCtrlProxy, cancelAfter, timeout time.Duration) error {
	var cancelTimer <-chan time.Time
	if cancelAfter > 0 {
		cancelTimer = time.After(cancelAfter)
	}
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-l.done:
			return l.report(evt)
		case <-cancelTimer:
			cancelTimer = nil
			if err := ctrl.Cancel(ctx); err != nil {
				return fmt.Errorf("cancel query: %w", err)
			}
		case <-deadline:
			_ = ctrl.Cancel(context.WithoutCancel(ctx))
			return fmt.Errorf("query did not finish within %s", timeout)
		case <-ctx.Done():
			_ = ctrl.Cancel(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (l *printListener) report(evt finishEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := "finished\t" + evt.reason.String()
	if evt.message != "" {
		line += "\t" + evt.message
	}
	fmt.Fprintln(l.out, line)
	if evt.reason == scope.Error || evt.reason == scope.ListenerError {
		if evt.message == "" {
			return fmt.Errorf("query ended with %s", evt.reason)
		}
		return fmt.Errorf("query ended with %s: %s", evt.reason, evt.message)
	}
	return nil
}
