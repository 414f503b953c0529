package main

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/TobiSchelling/leser/internal/database"
	"github.com/spf13/cobra"
)

// --- sources command ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage subscribed sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		srcs := sortedSources(s.Sources.Sources())
		if len(srcs) == 0 {
			fmt.Println("No sources yet. Add one with: leser sources add <url>")
			return nil
		}
		for _, src := range srcs {
			flag := " "
			if src.Hidden {
				flag = "h"
			}
			fmt.Printf("  [%d] %s %s (%d unread, %d starred)\n", src.SID, flag, src.Name, src.UnreadCount, src.StarredCount)
			fmt.Printf("        %s\n", src.URL)
		}
		return nil
	},
}

func sortedSources(m map[int]database.Source) []database.Source {
	srcs := make([]database.Source, 0, len(m))
	for _, src := range m {
		srcs = append(srcs, src)
	}
	slices.SortFunc(srcs, func(a, b database.Source) int { return cmp.Compare(a.SID, b.SID) })
	return srcs
}

var sourceName string

var sourcesAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Subscribe to a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		sid, err := s.Sources.AddSource(cmd.Context(), args[0], sourceName, false)
		if err != nil {
			return err
		}
		s.Sources.Wait()
		src, _ := s.Sources.Source(sid)
		fmt.Printf("Added source [%d]: %s (%d articles)\n", sid, src.Name, src.UnreadCount)
		return nil
	},
}

var sourcesDeleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Unsubscribe from sources and delete their articles",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		var srcs []database.Source
		for _, arg := range args {
			src, err := s.source(arg)
			if err != nil {
				return err
			}
			srcs = append(srcs, src)
		}
		if err := s.Sources.DeleteSources(srcs); err != nil {
			return err
		}
		for _, src := range srcs {
			fmt.Printf("Deleted source [%d]: %s\n", src.SID, src.Name)
		}
		return nil
	},
}

var sourcesRenameCmd = &cobra.Command{
	Use:   "rename [id] [name]",
	Short: "Rename a source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		src, err := s.source(args[0])
		if err != nil {
			return err
		}
		src.Name = args[1]
		if err := s.Sources.UpdateSource(src); err != nil {
			return err
		}
		fmt.Printf("Renamed source [%d] to %s\n", src.SID, src.Name)
		return nil
	},
}

var sourcesHideCmd = &cobra.Command{
	Use:   "hide [id]",
	Short: "Toggle whether a source shows in all articles",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		src, err := s.source(args[0])
		if err != nil {
			return err
		}
		if err := s.Sources.ToggleSourceHidden(src.SID); err != nil {
			return err
		}
		state := "hidden"
		if src.Hidden {
			state = "visible"
		}
		fmt.Printf("Source [%d] %s: %s\n", src.SID, src.Name, state)
		return nil
	},
}

var sourcesIconCmd = &cobra.Command{
	Use:   "icon [id] [url]",
	Short: "Set a source's icon, or resolve it again when no URL is given",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		src, err := s.source(args[0])
		if err != nil {
			return err
		}
		if len(args) == 2 {
			if err := s.App.UpdateSourceIcon(cmd.Context(), src, args[1]); err != nil {
				return err
			}
		} else {
			s.Sources.UpdateFavicon(cmd.Context(), []int{src.SID}, true)
		}
		src, _ = s.Sources.Source(src.SID)
		icon := "(none)"
		if src.IconURL != nil && *src.IconURL != "" {
			icon = *src.IconURL
		}
		fmt.Printf("Icon of [%d] %s: %s\n", src.SID, src.Name, icon)
		return nil
	},
}

func init() {
	sourcesAddCmd.Flags().StringVarP(&sourceName, "name", "n", "", "Display name (defaults to the feed title)")

	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesDeleteCmd)
	sourcesCmd.AddCommand(sourcesRenameCmd)
	sourcesCmd.AddCommand(sourcesHideCmd)
	sourcesCmd.AddCommand(sourcesIconCmd)
}

// --- groups command ---

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Organize sources into groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups and their sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		srcs := s.Sources.Sources()
		for i, g := range s.Groups.Groups() {
			if !g.IsMultiple {
				fmt.Printf("  %d: %s\n", i, describeSource(srcs, g.Sids[0]))
				continue
			}
			fmt.Printf("  %d: [%s]\n", i, g.Name)
			for _, sid := range g.Sids {
				fmt.Printf("       %s\n", describeSource(srcs, sid))
			}
		}
		return nil
	},
}

func describeSource(srcs map[int]database.Source, sid int) string {
	src, ok := srcs[sid]
	if !ok {
		return fmt.Sprintf("(%d) missing", sid)
	}
	return fmt.Sprintf("(%d) %s", sid, src.Name)
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a named group, or show the existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		idx := s.Groups.CreateSourceGroup(args[0])
		fmt.Printf("Group %d: %s\n", idx, args[0])
		return nil
	},
}

var groupsAddCmd = &cobra.Command{
	Use:   "add [group] [source-id...]",
	Short: "Move sources into a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		idx, err := intArg(args[0], "group index")
		if err != nil {
			return err
		}
		groups := s.Groups.Groups()
		if idx < 0 || idx >= len(groups) || !groups[idx].IsMultiple {
			return fmt.Errorf("group %d is not a named group", idx)
		}
		name := groups[idx].Name
		for _, arg := range args[1:] {
			src, err := s.source(arg)
			if err != nil {
				return err
			}
			// Indices shift as singletons disappear; the name does not.
			s.Groups.AddSourceToNamedGroup(name, src.SID)
		}
		fmt.Printf("Moved %d source(s) into %s\n", len(args)-1, name)
		return nil
	},
}

var groupsRemoveCmd = &cobra.Command{
	Use:   "remove [group] [source-id...]",
	Short: "Take sources out of a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		idx, err := intArg(args[0], "group index")
		if err != nil {
			return err
		}
		var sids []int
		for _, arg := range args[1:] {
			sid, err := intArg(arg, "source ID")
			if err != nil {
				return err
			}
			sids = append(sids, sid)
		}
		return s.Groups.RemoveSourceFromGroup(idx, sids)
	},
}

var groupsDeleteCmd = &cobra.Command{
	Use:   "delete [group]",
	Short: "Dissolve a group, keeping its sources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		idx, err := intArg(args[0], "group index")
		if err != nil {
			return err
		}
		return s.Groups.DeleteSourceGroup(idx)
	},
}

func init() {
	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsAddCmd)
	groupsCmd.AddCommand(groupsRemoveCmd)
	groupsCmd.AddCommand(groupsDeleteCmd)
}

// --- opml command ---

var opmlCmd = &cobra.Command{
	Use:   "opml",
	Short: "Import or export subscriptions as OPML",
}

var opmlImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Subscribe to every feed in an OPML file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if len(args) == 1 {
			s.term.OpenPath = args[0]
		}
		res, err := s.Groups.ImportOPML(cmd.Context())
		if err != nil {
			return err
		}
		if res == nil {
			return nil
		}
		s.Sources.Wait()
		fmt.Printf("Imported %d source(s), %d failed\n", len(res.Added), len(res.Failed))
		return nil
	},
}

var opmlExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write all subscriptions to an OPML file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		if len(args) == 1 {
			if !strings.HasSuffix(args[0], ".opml") {
				return fmt.Errorf("export file must end in .opml: %s", args[0])
			}
			s.term.SavePath = args[0]
		}
		if err := s.Groups.ExportOPML(); err != nil {
			return err
		}
		fmt.Printf("Exported %d source(s)\n", len(s.Sources.Sources()))
		return nil
	},
}

func init() {
	opmlCmd.AddCommand(opmlImportCmd)
	opmlCmd.AddCommand(opmlExportCmd)
}
