package pipeline

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nvr-ai/go-petid/models/model/preprocess"
	"github.com/nvr-ai/go-petid/regions"
	"golang.org/x/sync/singleflight"
)

// features is what the front half of the pipeline produces for one image.
// Cached values are shared; nothing downstream may modify them.
type features struct {
	selection *regions.Selection
	embedding []float32
}

type featureKey struct {
	digest      string
	variant     preprocess.Variant
	targetClass string
}

func (k featureKey) String() string {
	return strings.Join([]string{k.digest, string(k.variant), k.targetClass}, "|")
}

// featureCache memoises features by image digest, variant and target
// class. Concurrent misses for the same key share one load. A nil lru
// disables storage but keeps the coalescing.
type featureCache struct {
	lru   *lru.Cache[string, *features]
	group singleflight.Group
}

func newFeatureCache(size int) (*featureCache, error) {
	c := &featureCache{}
	if size > 0 {
		l, err := lru.New[string, *features](size)
		if err != nil {
			return nil, err
		}
		c.lru = l
	}
	return c, nil
}

// get returns the cached features for key or loads them. hit reports a
// cache hit.
//
// The shared load runs detached from any one caller's cancellation, so a
// caller that gives up does not fail the others waiting on the same key.
// Each caller still returns as soon as its own ctx is done.
func (c *featureCache) get(ctx context.Context, key featureKey, load func(context.Context) (*features, error)) (f *features, hit bool, err error) {
	k := key.String()
	if c.lru != nil {
		if v, ok := c.lru.Get(k); ok {
			return v, true, nil
		}
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (any, error) {
		loaded, err := load(detached)
		if err != nil {
			return nil, err
		}
		if c.lru != nil {
			c.lru.Add(k, loaded)
		}
		return loaded, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*features), false, nil
	}
}

func (c *featureCache) len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
