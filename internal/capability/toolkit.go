package capability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/irislabs/iris/pkg/scheduler"
	"github.com/irislabs/iris/pkg/store"
)

// Notifier pushes an unsolicited message to a destination.
type Notifier interface {
	Notify(ctx context.Context, destination, text string) error
}

// MemorySearcher finds stored documents relevant to a query.
type MemorySearcher interface {
	SearchMemory(ctx context.Context, query string, limit int) ([]store.Document, error)
}

// Endpoints are the external services capabilities talk to.
type Endpoints struct {
	Search string // DuckDuckGo HTML search
	News   string // Google News RSS search
	Reddit string
	Image  string // Pollinations prompt endpoint
	GitHub string
}

// DefaultEndpoints returns the public endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Search: "https://html.duckduckgo.com/html/",
		News:   "https://news.google.com/rss/search",
		Reddit: "https://www.reddit.com",
		Image:  "https://image.pollinations.ai/prompt/",
		GitHub: "https://api.github.com",
	}
}

// GitHubConfig holds GitHub credentials. User is the default owner.
type GitHubConfig struct {
	Token string
	User  string
}

// Toolkit is the shared state capabilities operate on: the store, the
// scheduler, outbound notifications and external service settings. It is
// built once at startup.
type Toolkit struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Notifier  Notifier
	Memory    MemorySearcher

	HTTP      *http.Client
	Location  *time.Location
	Clock     func() time.Time
	Endpoints Endpoints
	GitHub    GitHubConfig

	// DefaultDestination resolves the destination of a call that carries
	// none, as with calls made through the workspace API. It is read on
	// every call.
	DefaultDestination func() string

	WorkspaceDir string
	ImageDir     string
	Python       string
	CodeTimeout  time.Duration
	ImageTimeout time.Duration
}

func (t *Toolkit) defaults() {
	if t.HTTP == nil {
		t.HTTP = &http.Client{Timeout: 15 * time.Second}
	}
	if t.Location == nil {
		t.Location = time.Local
	}
	def := DefaultEndpoints()
	if t.Endpoints.Search == "" {
		t.Endpoints.Search = def.Search
	}
	if t.Endpoints.News == "" {
		t.Endpoints.News = def.News
	}
	if t.Endpoints.Reddit == "" {
		t.Endpoints.Reddit = def.Reddit
	}
	if t.Endpoints.Image == "" {
		t.Endpoints.Image = def.Image
	}
	if t.Endpoints.GitHub == "" {
		t.Endpoints.GitHub = def.GitHub
	}
	if t.Python == "" {
		t.Python = "python3"
	}
	if t.CodeTimeout <= 0 {
		t.CodeTimeout = 30 * time.Second
	}
	if t.ImageTimeout <= 0 {
		t.ImageTimeout = 120 * time.Second
	}
}

// Register adds every capability the toolkit can serve to r. Groups whose
// dependencies are missing (no store, no scheduler, no workspace) are
// skipped.
func (t *Toolkit) Register(r *Registry) error {
	t.defaults()

	var caps []Capability
	if t.Store != nil {
		caps = append(caps, t.productivityCapabilities()...)
		caps = append(caps, t.memoryCapabilities()...)
		if t.Scheduler != nil {
			caps = append(caps, t.timerCapabilities()...)
			caps = append(caps, t.reminderCapabilities()...)
		}
	}
	caps = append(caps, t.webCapabilities()...)
	caps = append(caps, t.githubCapabilities()...)
	if t.ImageDir != "" {
		caps = append(caps, t.imageCapabilities()...)
	}
	if t.WorkspaceDir != "" {
		caps = append(caps, t.codeCapabilities()...)
	}

	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolkit) now() time.Time {
	if t.Clock != nil {
		return t.Clock().In(t.Location)
	}
	return time.Now().In(t.Location)
}

func (t *Toolkit) destination(ctx context.Context) string {
	if d := DestinationFrom(ctx); d != "" {
		return d
	}
	if t.DefaultDestination != nil {
		return t.DefaultDestination()
	}
	return ""
}

func (t *Toolkit) notify(ctx context.Context, destination, text string) error {
	if t.Notifier == nil {
		return fmt.Errorf("no notifier configured")
	}
	if destination == "" {
		return fmt.Errorf("no destination for notification")
	}
	return t.Notifier.Notify(ctx, destination, text)
}
