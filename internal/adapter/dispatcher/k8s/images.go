package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// runtimeManifest is the operator-provided mapping from language to image.
// It wins over node discovery when both resolve.
type runtimeManifest struct {
	Runtimes map[string]string `yaml:"runtimes"`
}

// ImageResolver maps a language to the runtime image to run it with. The
// manifest is authoritative; absent an entry, the resolver discovers images
// already present on cluster nodes (prefix-filtered, digest-pinned names
// preferred) so evaluations never trigger cold registry pulls.
type ImageResolver struct {
	client kubernetes.Interface
	prefix string

	mu       sync.RWMutex
	manifest map[domain.Language]string
	cache    map[domain.Language]string

	refreshInterval time.Duration
}

// NewImageResolver builds a resolver. manifestPath may be empty.
func NewImageResolver(client kubernetes.Interface, prefix, manifestPath string, refreshInterval time.Duration) (*ImageResolver, error) {
	r := &ImageResolver{
		client:          client,
		prefix:          prefix,
		manifest:        map[domain.Language]string{},
		cache:           map[domain.Language]string{},
		refreshInterval: refreshInterval,
	}
	if manifestPath != "" {
		m, err := loadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		r.manifest = m
	}
	return r, nil
}

func loadManifest(path string) (map[domain.Language]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=images.load_manifest: %w", err)
	}
	var m runtimeManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("op=images.load_manifest: %w", err)
	}
	out := make(map[domain.Language]string, len(m.Runtimes))
	for lang, image := range m.Runtimes {
		out[domain.Language(lang)] = image
	}
	return out, nil
}

// Resolve returns the image for the language or ErrNoImage.
func (r *ImageResolver) Resolve(ctx context.Context, lang domain.Language) (string, error) {
	r.mu.RLock()
	if img, ok := r.manifest[lang]; ok {
		r.mu.RUnlock()
		return img, nil
	}
	if img, ok := r.cache[lang]; ok {
		r.mu.RUnlock()
		return img, nil
	}
	r.mu.RUnlock()

	img, err := r.discover(ctx, lang)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[lang] = img
	r.mu.Unlock()
	return img, nil
}

// discover scans node image lists for the newest runtime image of a language.
func (r *ImageResolver) discover(ctx context.Context, lang domain.Language) (string, error) {
	nodes, err := r.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("op=images.discover: %w: %w", domain.ErrClusterUnavailable, err)
	}

	want := r.prefix + "-" + string(lang)
	var best string
	for _, node := range nodes.Items {
		for _, img := range node.Status.Images {
			for _, name := range img.Names {
				if !strings.Contains(name, want) {
					continue
				}
				// digest-pinned references are immutable; always prefer them
				if strings.Contains(name, "@sha256:") {
					if !strings.Contains(best, "@sha256:") || name > best {
						best = name
					}
					continue
				}
				if best == "" || (!strings.Contains(best, "@sha256:") && name > best) {
					best = name
				}
			}
		}
	}
	if best == "" {
		return "", fmt.Errorf("op=images.discover: language=%s: %w", lang, domain.ErrNoImage)
	}
	return best, nil
}

// Run refreshes the discovery cache on an interval until ctx ends.
func (r *ImageResolver) Run(ctx context.Context) {
	if r.refreshInterval <= 0 {
		r.refreshInterval = 5 * time.Minute
	}
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *ImageResolver) refresh(ctx context.Context) {
	r.mu.RLock()
	langs := make([]domain.Language, 0, len(r.cache))
	for lang := range r.cache {
		langs = append(langs, lang)
	}
	r.mu.RUnlock()

	for _, lang := range langs {
		img, err := r.discover(ctx, lang)
		if err != nil {
			slog.Warn("image refresh failed", slog.String("language", string(lang)), slog.Any("error", err))
			continue
		}
		r.mu.Lock()
		if r.cache[lang] != img {
			slog.Info("runtime image updated",
				slog.String("language", string(lang)), slog.String("image", img))
			r.cache[lang] = img
		}
		r.mu.Unlock()
	}
}
