package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

// TrendingResponse matches internal/server TrendingResponse.
type TrendingResponse struct {
	Window string `json:"window"`
	Themes []struct {
		Rank          int    `json:"rank"`
		ThemeID       string `json:"theme_id"`
		Label         string `json:"label"`
		ProductArea   string `json:"product_area"`
		Count         int    `json:"count"`
		PreviousCount int    `json:"previous_count"`
		Delta         int    `json:"delta"`
		Trend         string `json:"trend"`
	} `json:"themes"`
}

var (
	themesWindow string
	themesLimit  int
)

var themesCmd = &cobra.Command{
	Use:   "themes",
	Short: "Show trending themes",
	Long: `Show themes ranked by conversation volume in the requested
window, with the change against the preceding window.

Examples:
  # Top themes over the last week
  ffwd themes

  # Last 24 hours, top 5
  ffwd themes --window 24h --limit 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/api/themes/trending?window=%s&limit=%d",
			url.QueryEscape(themesWindow), themesLimit)

		var resp TrendingResponse
		if err := getJSON(path, &resp); err != nil {
			return err
		}
		if len(resp.Themes) == 0 {
			fmt.Printf("No themes in the last %s\n", resp.Window)
			return nil
		}

		fmt.Printf("Trending themes (window %s):\n", resp.Window)
		for _, t := range resp.Themes {
			fmt.Printf("%3d. %-40s %4d  %s %+d  [%s]\n",
				t.Rank, t.Label, t.Count, t.Trend, t.Delta, t.ProductArea)
		}
		return nil
	},
}

// StoriesResponse matches internal/server StoriesResponse.
type StoriesResponse struct {
	Stories []struct {
		ID                string    `json:"id"`
		ThemeID           string    `json:"theme_id"`
		Title             string    `json:"title"`
		Status            string    `json:"status"`
		ConversationCount int       `json:"conversation_count"`
		UpdatedAt         time.Time `json:"updated_at"`
	} `json:"stories"`
}

var storiesCmd = &cobra.Command{
	Use:   "stories",
	Short: "List story drafts",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp StoriesResponse
		if err := getJSON("/api/stories", &resp); err != nil {
			return err
		}
		if len(resp.Stories) == 0 {
			fmt.Println("No stories drafted")
			return nil
		}
		for _, s := range resp.Stories {
			fmt.Printf("%-8s %4d conv  %s\n", s.Status, s.ConversationCount, s.Title)
		}
		return nil
	},
}

// SyncResponse matches internal/server SyncResponse.
type SyncResponse struct {
	Synced int `json:"synced"`
}

var syncStoriesCmd = &cobra.Command{
	Use:   "sync-stories",
	Short: "Push drafted stories to Shortcut",
	Long: `Push drafted stories to Shortcut. Stories already linked to a
Shortcut story are skipped, so re-running is safe.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp SyncResponse
		if err := postJSON("/api/stories/sync", struct{}{}, &resp); err != nil {
			return err
		}
		fmt.Printf("Synced %d story(ies) to Shortcut\n", resp.Synced)
		return nil
	},
}

func init() {
	themesCmd.Flags().StringVar(&themesWindow, "window", "7d", "trend window, e.g. 24h, 7d, 2w")
	themesCmd.Flags().IntVar(&themesLimit, "limit", 10, "maximum themes to show")
}
