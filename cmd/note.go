package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ficous/sage/internal/sage"
)

var (
	noteTitle   string
	noteSubject string
	noteFile    string
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Capture and manage study notes",
}

var noteAddCmd = &cobra.Command{
	Use:   "add [text]",
	Short: "Add a note (text argument, --file, or stdin) and index it",
	RunE:  runNoteAdd,
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, optionally filtered by subject",
	RunE:  runNoteList,
}

var noteProcessCmd = &cobra.Command{
	Use:   "process <note-id>",
	Short: "Summarize a note and derive review questions",
	Args:  cobra.ExactArgs(1),
	RunE:  runNoteProcess,
}

var subjectCmd = &cobra.Command{
	Use:   "subject",
	Short: "Manage subjects",
}

var subjectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a subject",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubjectAdd,
}

var subjectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subjects",
	RunE:  runSubjectList,
}

func init() {
	noteAddCmd.Flags().StringVar(&noteTitle, "title", "", "note title")
	noteAddCmd.Flags().StringVar(&noteSubject, "subject", "", "subject ID")
	noteAddCmd.Flags().StringVar(&noteFile, "file", "", "read note content from a file")
	noteListCmd.Flags().StringVar(&noteSubject, "subject", "", "subject ID")

	noteCmd.AddCommand(noteAddCmd, noteListCmd, noteProcessCmd)
	subjectCmd.AddCommand(subjectAddCmd, subjectListCmd)
	rootCmd.AddCommand(noteCmd, subjectCmd)
}

func runNoteAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	content, err := noteContent(args)
	if err != nil {
		return err
	}

	userID, err := currentUser()
	if err != nil {
		return err
	}
	subjectID, err := parseOptionalUUID(noteSubject, "subject ID")
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var title *string
	if noteTitle != "" {
		title = &noteTitle
	}

	note, err := a.Notes.Create(ctx, userID, subjectID, title, content)
	if err != nil {
		return fmt.Errorf("creating note: %w", err)
	}

	fmt.Printf("Note %s created (%d characters)\n", note.ID, len(note.Content))
	return nil
}

func noteContent(args []string) (string, error) {
	switch {
	case noteFile != "":
		data, err := os.ReadFile(noteFile)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", noteFile, err)
		}
		return string(data), nil
	case len(args) > 0:
		return strings.Join(args, " "), nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("no note content: pass text, --file, or pipe to stdin")
	}
	return string(data), nil
}

func runNoteList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}
	subjectID, err := parseOptionalUUID(noteSubject, "subject ID")
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	items, err := a.Notes.List(ctx, userID, subjectID)
	if err != nil {
		return fmt.Errorf("listing notes: %w", err)
	}
	if len(items) == 0 {
		fmt.Println("No notes yet.")
		return nil
	}

	for _, n := range items {
		title := "(untitled)"
		if n.Title != nil && *n.Title != "" {
			title = *n.Title
		}
		fmt.Printf("%s  %s  %s\n", n.ID, n.UpdatedAt.Format("2006-01-02"), title)
	}
	return nil
}

func runNoteProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}
	noteID, err := parseOptionalUUID(args[0], "note ID")
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.Sage.Process(ctx, sage.ProcessRequest{
		UserID:    userID,
		NoteID:    noteID,
		Normalize: true,
	})
	if err != nil {
		return fmt.Errorf("processing note: %w", err)
	}

	fmt.Println("Summary:")
	fmt.Println("  " + result.Summary)
	fmt.Println("Questions:")
	for _, q := range result.Questions {
		fmt.Println("  - " + q)
	}
	if len(result.Concepts) > 0 {
		fmt.Println("Concepts: " + strings.Join(result.Concepts, ", "))
	}
	return nil
}

func runSubjectAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sub, err := a.Notes.CreateSubject(ctx, userID, args[0])
	if err != nil {
		return fmt.Errorf("creating subject: %w", err)
	}
	fmt.Printf("Subject %s created: %s\n", sub.ID, sub.Name)
	return nil
}

func runSubjectList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	subs, err := a.Notes.ListSubjects(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing subjects: %w", err)
	}
	if len(subs) == 0 {
		fmt.Println("No subjects yet.")
		return nil
	}
	for _, sub := range subs {
		fmt.Printf("%s  %s\n", sub.ID, sub.Name)
	}
	return nil
}
