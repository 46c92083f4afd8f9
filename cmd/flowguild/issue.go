package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/kazz187/flowguild/internal/client"
)

func createIssue(ctx context.Context, cli *client.Client) error {
	is, err := cli.CreateIssue(ctx, client.CreateIssueRequest{
		Title:       *issueCreateTitle,
		Description: *issueCreateDesc,
		Spec:        *issueCreateSpec,
		DependsOn:   *issueCreateDeps,
		Labels:      *issueCreateLabel,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created issue %s\n", is.ID)
	return nil
}

func listIssues(ctx context.Context, cli *client.Client) error {
	issues, err := cli.ListIssues(ctx)
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("No issues")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTITLE\tDEPENDS ON")
	for _, is := range issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			is.ID, colorStatus(is.Status), is.Title, strings.Join(is.DependsOn, ","))
	}
	return tw.Flush()
}

func showIssue(ctx context.Context, cli *client.Client, id string) error {
	is, err := cli.GetIssue(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", is.ID, colorStatus(is.Status))
	fmt.Printf("Title:      %s\n", is.Title)
	if is.Spec != "" {
		fmt.Printf("Spec:       %s\n", is.Spec)
	}
	if len(is.DependsOn) > 0 {
		fmt.Printf("Depends on: %s\n", strings.Join(is.DependsOn, ", "))
	}
	if len(is.Blocks) > 0 {
		fmt.Printf("Blocks:     %s\n", strings.Join(is.Blocks, ", "))
	}
	if len(is.Labels) > 0 {
		fmt.Printf("Labels:     %s\n", strings.Join(is.Labels, ", "))
	}
	if is.Description != "" {
		fmt.Printf("\n%s\n", is.Description)
	}
	return nil
}

func closeIssue(ctx context.Context, cli *client.Client, id string) error {
	is, err := cli.CloseIssue(ctx, id)
	if err != nil {
		return err
	}
	fmt.Printf("Closed issue %s\n", is.ID)
	return nil
}
