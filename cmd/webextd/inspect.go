package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
	"github.com/GriffinCanCode/webext/internal/domain/permission"
)

var idCmd = &cobra.Command{
	Use:   "id <path>",
	Short: "Print the extension ID derived from an install path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		extID, err := extension.IDFromPath(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), extID)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Show an extension's manifest, permissions and content scripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ext, err := extension.Load(args[0], nil)
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println(ext.Manifest.Name)
		if err := pterm.DefaultTable.WithHasHeader().WithData(summaryRows(ext)).Render(); err != nil {
			return err
		}
		if rows := contentScriptRows(ext); len(rows) > 1 {
			pterm.DefaultSection.WithLevel(2).Println("Content scripts")
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		}
		return nil
	},
}

func summaryRows(ext *extension.Extension) pterm.TableData {
	apis := lo.Map(ext.Permissions.APIs(), func(api permission.API, _ int) string { return api.String() })
	hosts := lo.Map(ext.Permissions.Hosts(), func(p *permission.MatchPattern, _ int) string { return p.String() })

	rows := pterm.TableData{{"Property", "Value"}}
	rows = append(rows, []string{"ID", ext.ID.String()})
	rows = append(rows, []string{"Version", ext.Manifest.Version})
	if ext.Manifest.Description != "" {
		rows = append(rows, []string{"Description", ext.Manifest.Description})
	}
	rows = append(rows, []string{"Permissions", orNone(apis)})
	rows = append(rows, []string{"Host permissions", orNone(hosts)})
	if unknown := ext.Permissions.Unknown(); len(unknown) > 0 {
		rows = append(rows, []string{"Unsupported", strings.Join(unknown, ", ")})
	}
	if ext.HasBackground() {
		scripts := lo.Map(ext.Background.Scripts, func(s extension.ScriptSource, _ int) string { return s.Path })
		rows = append(rows, []string{"Background", strings.Join(scripts, ", ")})
	}
	return rows
}

func contentScriptRows(ext *extension.Extension) pterm.TableData {
	rows := pterm.TableData{{"Matches", "Exclude", "Run at", "All frames", "Scripts"}}
	for _, cs := range ext.ContentScripts {
		rows = append(rows, []string{
			strings.Join(lo.Map(cs.Matches, patternString), ", "),
			orNone(lo.Map(cs.ExcludeMatches, patternString)),
			string(cs.RunAt),
			fmt.Sprintf("%t", cs.AllFrames),
			strings.Join(lo.Map(cs.Scripts, func(s extension.ScriptSource, _ int) string { return s.Path }), ", "),
		})
	}
	return rows
}

func patternString(p *permission.MatchPattern, _ int) string {
	return p.String()
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func splitAddr(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return host, port, nil
}
