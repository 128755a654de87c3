package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ficous/sage/internal/review"
	"github.com/ficous/sage/internal/sage"
)

var (
	cardsNote string
	cardsQty  int
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Spaced-repetition review of your flashcards",
}

var reviewDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List cards due for review",
	RunE:  runReviewDue,
}

var reviewGradeCmd = &cobra.Command{
	Use:   "grade <card-id> <easy|medium|hard>",
	Short: "Grade a card and reschedule it",
	Args:  cobra.ExactArgs(2),
	RunE:  runReviewGrade,
}

var reviewGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate flashcards from a note",
	RunE:  runReviewGenerate,
}

func init() {
	reviewGenerateCmd.Flags().StringVar(&cardsNote, "note", "", "note ID to draw cards from")
	reviewGenerateCmd.Flags().IntVar(&cardsQty, "qty", 5, "number of cards to generate")

	reviewCmd.AddCommand(reviewDueCmd, reviewGradeCmd, reviewGenerateCmd)
	rootCmd.AddCommand(reviewCmd)
}

func runReviewDue(cmd *cobra.Command, _ []string) error {
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

	cards, err := a.Cards.DueCards(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing due cards: %w", err)
	}
	if len(cards) == 0 {
		fmt.Println("Nothing due. Come back later.")
		return nil
	}

	for _, c := range cards {
		when := "never reviewed"
		if c.NextReviewAt != nil {
			when = "due since " + c.NextReviewAt.Format("2006-01-02")
		}
		fmt.Printf("%s  [%s]  %s\n", c.ID, when, c.Question)
	}
	return nil
}

// parseGradeArgs validates the `review grade <card-id> <grade>` arguments.
// The card ID is required; an empty or malformed ID is an error.
func parseGradeArgs(args []string) (uuid.UUID, review.Grade, error) {
	cardID, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid card ID %q: %w", args[0], err)
	}
	grade := review.Grade(args[1])
	if !grade.Valid() {
		return uuid.Nil, "", fmt.Errorf("invalid grade %q: use easy, medium, or hard", args[1])
	}
	return cardID, grade, nil
}

func runReviewGrade(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}
	cardID, grade, err := parseGradeArgs(args)
	if err != nil {
		return err
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	card, err := a.Cards.Grade(ctx, userID, cardID, grade)
	if err != nil {
		return fmt.Errorf("grading card: %w", err)
	}

	fmt.Printf("Card rescheduled: next review %s (%d days)\n",
		card.NextReviewAt.Format("2006-01-02"), *card.IntervalDays)
	return nil
}

func runReviewGenerate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	userID, err := currentUser()
	if err != nil {
		return err
	}
	noteID, err := parseOptionalUUID(cardsNote, "note ID")
	if err != nil {
		return err
	}
	if noteID == nil {
		return fmt.Errorf("--note is required")
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cards, err := a.Sage.GenerateCards(ctx, sage.GenerateCardsRequest{
		UserID:   userID,
		NoteID:   noteID,
		Quantity: cardsQty,
	})
	if err != nil {
		return fmt.Errorf("generating cards: %w", err)
	}

	fmt.Printf("Generated %d card(s):\n", len(cards))
	for _, c := range cards {
		fmt.Println("  - " + c.Question)
	}
	return nil
}
