package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ficous/sage/internal/sage"
)

var (
	askNote     string
	askSubject  string
	askContext  string
	askLevel    int
	askLanguage string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question with your notes as context",
	Long: `Ask a question. The answer is grounded in your indexed notes, your
rolling summaries, and the concepts you struggle with. Depth levels:
1 = short chat balloons, 2 = slide-style mini lesson, 3 = sectioned
deep explanation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askNote, "note", "", "note ID to use as the main context")
	askCmd.Flags().StringVar(&askSubject, "subject", "", "subject ID to use as the main context")
	askCmd.Flags().StringVar(&askContext, "context", "", "raw context text")
	askCmd.Flags().IntVar(&askLevel, "level", 1, "answer depth (1-3)")
	askCmd.Flags().StringVar(&askLanguage, "lang", "", "output language (e.g. en, pt-BR)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}
	noteID, err := parseOptionalUUID(askNote, "note ID")
	if err != nil {
		return err
	}
	subjectID, err := parseOptionalUUID(askSubject, "subject ID")
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.Sage.Answer(ctx, sage.AnswerRequest{
		UserID:     userID,
		NoteID:     noteID,
		SubjectID:  subjectID,
		RawContext: askContext,
		Prompt:     strings.Join(args, " "),
		Level:      sage.Level(askLevel),
		Normalize:  true,
		Language:   askLanguage,
	})
	if err != nil {
		return fmt.Errorf("answering: %w", err)
	}

	printAnswer(answer)
	return nil
}

func printAnswer(ans *sage.Answer) {
	renderAnswer(os.Stdout, ans)
}

// renderAnswer renders the leveled payload for the terminal, falling back
// to pretty JSON for shapes it does not recognize. Payloads arrive either
// as decoded JSON maps or as the typed fallback structures.
func renderAnswer(w io.Writer, ans *sage.Answer) {
	payload, ok := ans.Payload.(map[string]any)
	if !ok {
		printJSON(w, ans.Payload)
		return
	}

	switch {
	case payload["balloons"] != nil:
		for _, b := range balloons(payload["balloons"]) {
			fmt.Fprintln(w, "• "+b.Text)
		}
	case payload["slides"] != nil:
		for _, s := range slides(payload["slides"]) {
			if s.Title != "" {
				fmt.Fprintln(w, "## "+s.Title)
			}
			for _, b := range s.Bullets {
				fmt.Fprintln(w, "  - "+b)
			}
			fmt.Fprintln(w)
		}
	case payload["sections"] != nil:
		for _, s := range sections(payload["sections"]) {
			if s.Title != "" {
				fmt.Fprintln(w, "# "+s.Title)
			}
			if s.Content != "" {
				fmt.Fprintln(w, s.Content)
			}
			if s.Code != "" {
				fmt.Fprintln(w, "```\n"+s.Code+"\n```")
			}
			fmt.Fprintln(w)
		}
	default:
		printJSON(w, payload)
	}
}

func printJSON(w io.Writer, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, string(data))
}

func anySlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func balloons(v any) []sage.Balloon {
	if typed, ok := v.([]sage.Balloon); ok {
		return typed
	}
	var out []sage.Balloon
	for _, raw := range anySlice(v) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := m["text"].(string); ok {
			out = append(out, sage.Balloon{Text: text})
		}
	}
	return out
}

func slides(v any) []sage.Slide {
	if typed, ok := v.([]sage.Slide); ok {
		return typed
	}
	var out []sage.Slide
	for _, raw := range anySlice(v) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		var s sage.Slide
		s.Title, _ = m["title"].(string)
		for _, b := range anySlice(m["bullets"]) {
			if text, ok := b.(string); ok {
				s.Bullets = append(s.Bullets, text)
			}
		}
		out = append(out, s)
	}
	return out
}

func sections(v any) []sage.Section {
	if typed, ok := v.([]sage.Section); ok {
		return typed
	}
	var out []sage.Section
	for _, raw := range anySlice(v) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		var s sage.Section
		s.Title, _ = m["title"].(string)
		s.Content, _ = m["content"].(string)
		s.Code, _ = m["code"].(string)
		out = append(out, s)
	}
	return out
}
