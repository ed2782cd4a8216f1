// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Command partialfetch fetches a single subdirectory out of a remote Git
// repository over Smart HTTP, without a local Git installation and without
// writing a working tree: it prints the requested files' contents (or, for
// ls, just their paths) straight from the partial-clone object store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/tcardew/gitpartial/githash"
	"github.com/tcardew/gitpartial/partialclone"
	"github.com/tcardew/gitpartial/smarthttp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "partialfetch:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:           "partialfetch",
		Short:         "fetch a subdirectory out of a remote Git repository without a local clone",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every request sent to the remote")
	cmd.PersistentPreRun = func(*cobra.Command, []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	}

	cmd.AddCommand(newRefsCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newCatCmd())
	return cmd
}

func openRemote(repoURL string) (*smarthttp.Remote, error) {
	u, err := smarthttp.ParseURL(repoURL)
	if err != nil {
		return nil, err
	}
	return smarthttp.NewRemote(u, nil)
}

func newRefsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs <repo-url>",
		Short: "list the refs a remote advertises",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefs(cmd.Context(), args[0])
		},
	}
}

func runRefs(ctx context.Context, repoURL string) error {
	remote, err := openRemote(repoURL)
	if err != nil {
		return xerrors.Errorf("refs: %w", err)
	}
	refs, symrefs, err := partialclone.DiscoverRefs(ctx, remote)
	if err != nil {
		return xerrors.Errorf("refs: %w", err)
	}
	for name, id := range refs {
		if target, ok := symrefs[name]; ok {
			fmt.Printf("%v\t%s (%s)\t-> %s\n", id, name, name.ShortName(), target)
			continue
		}
		fmt.Printf("%v\t%s (%s)\n", id, name, name.ShortName())
	}
	return nil
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <repo-url> <commit> <path>",
		Short: "list the files a subdirectory contains at a given commit (their content is fetched but not printed)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), args[0], args[1], args[2], true)
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <repo-url> <commit> <path>",
		Short: "print the contents of every file under a subdirectory at a given commit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), args[0], args[1], args[2], false)
		},
	}
}

func runLoad(ctx context.Context, repoURL, commit, path string, listOnly bool) error {
	remote, err := openRemote(repoURL)
	if err != nil {
		return xerrors.Errorf("load %s: %w", path, err)
	}
	commitID, err := githash.ParseSHA1(commit)
	if err != nil {
		return xerrors.Errorf("load %s: commit %q: %w", path, commit, err)
	}
	files, err := partialclone.LoadSubdirectory(ctx, remote, commitID, path, nil)
	if err != nil {
		return xerrors.Errorf("load %s: %w", path, err)
	}
	for p, data := range files {
		if listOnly {
			fmt.Println(p)
			continue
		}
		fmt.Printf("==> %s <==\n%s\n", p, data)
	}
	return nil
}
