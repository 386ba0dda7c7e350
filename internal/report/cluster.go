// Package report generates digest reports: profile filtering, optional
// LLM mid-tier triage, greedy embedding clustering and markdown rendering.
package report

import (
	"sort"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/pkg/vecx"
)

// maxCrossTagThreshold caps the raised threshold for cross-tag merges.
const maxCrossTagThreshold = 0.98

// clusterTagCap bounds how many tags a cluster advertises.
const clusterTagCap = 5

// Candidate is one insight with its normalized embedding vector.
type Candidate struct {
	Item   domain.InsightWithPost
	Vector []float32
}

// Cluster is a group of insights merged by cosine similarity.
type Cluster struct {
	Items          []domain.InsightWithPost
	Representative domain.InsightWithPost
	Tags           []string
	PeakImportance int

	centroid []float32
	sum      []float64
	tagFreq  map[string]int
}

// PrimaryTag is the cluster's most frequent tag.
func (c *Cluster) PrimaryTag() string {
	if len(c.Tags) == 0 {
		return domain.FallbackTag
	}
	return c.Tags[0]
}

func newCluster(cand Candidate) *Cluster {
	c := &Cluster{
		Items:          []domain.InsightWithPost{cand.Item},
		Representative: cand.Item,
		PeakImportance: cand.Item.Importance,
		sum:            make([]float64, len(cand.Vector)),
		tagFreq:        map[string]int{},
	}
	c.addVector(cand.Vector)
	c.addTags(cand.Item.Tags)
	c.refreshTags()
	return c
}

func (c *Cluster) addVector(v []float32) {
	if len(v) > len(c.sum) {
		grown := make([]float64, len(v))
		copy(grown, c.sum)
		c.sum = grown
	}
	for i, x := range v {
		c.sum[i] += float64(x)
	}
	mean := make([]float32, len(c.sum))
	for i, s := range c.sum {
		mean[i] = float32(s)
	}
	c.centroid = vecx.Normalize(mean)
}

func (c *Cluster) addTags(tags []string) {
	for _, t := range tags {
		c.tagFreq[t]++
	}
}

// refreshTags recomputes the top-5 most frequent tags, ties by name.
func (c *Cluster) refreshTags() {
	type tf struct {
		tag string
		n   int
	}
	freq := make([]tf, 0, len(c.tagFreq))
	for t, n := range c.tagFreq {
		freq = append(freq, tf{t, n})
	}
	sort.Slice(freq, func(i, j int) bool {
		if freq[i].n != freq[j].n {
			return freq[i].n > freq[j].n
		}
		return freq[i].tag < freq[j].tag
	})
	if len(freq) > clusterTagCap {
		freq = freq[:clusterTagCap]
	}
	c.Tags = c.Tags[:0]
	for _, f := range freq {
		c.Tags = append(c.Tags, f.tag)
	}
}

// assign adds a candidate to the cluster, updating centroid, representative
// and tags.
func (c *Cluster) assign(cand Candidate) {
	c.Items = append(c.Items, cand.Item)
	c.addVector(cand.Vector)
	c.addTags(cand.Item.Tags)
	c.refreshTags()
	if cand.Item.Importance > c.PeakImportance {
		c.PeakImportance = cand.Item.Importance
	}
	if moreRepresentative(cand.Item, c.Representative) {
		c.Representative = cand.Item
	}
}

// moreRepresentative orders by (importance, tweetedAt) lexicographically,
// post id ascending as the last resort.
func moreRepresentative(a, b domain.InsightWithPost) bool {
	if a.Importance != b.Importance {
		return a.Importance > b.Importance
	}
	if !a.TweetedAt.Equal(b.TweetedAt) {
		return a.TweetedAt.After(b.TweetedAt)
	}
	return a.PostExternalID < b.PostExternalID
}

// tagsOverlap reports whether the candidate shares its primary tag or any
// tag with the cluster.
func tagsOverlap(cand Candidate, c *Cluster) bool {
	candPrimary := domain.FallbackTag
	if len(cand.Item.Tags) > 0 {
		candPrimary = cand.Item.Tags[0]
	}
	if candPrimary == c.PrimaryTag() {
		return true
	}
	for _, t := range cand.Item.Tags {
		if _, ok := c.tagFreq[t]; ok {
			return true
		}
	}
	return false
}

// GreedyCluster merges candidates by cosine similarity. Same-tag merges use
// the base threshold; cross-tag merges need base+bump, capped at 0.98.
func GreedyCluster(candidates []Candidate, threshold, crossTagBump float64) []*Cluster {
	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Item, sorted[j].Item
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if !a.TweetedAt.Equal(b.TweetedAt) {
			return a.TweetedAt.After(b.TweetedAt)
		}
		return a.PostExternalID < b.PostExternalID
	})

	var clusters []*Cluster
	for _, cand := range sorted {
		bestIdx := -1
		var bestScore float64
		// A threshold of 1.0 or more disables merging outright, so identical
		// vectors still stand alone.
		for i := 0; threshold < 1 && i < len(clusters); i++ {
			c := clusters[i]
			score := vecx.Dot(cand.Vector, c.centroid)
			// A non-positive threshold collapses everything regardless of
			// similarity or tags.
			if threshold > 0 {
				required := threshold
				if !tagsOverlap(cand, c) {
					required = threshold + crossTagBump
					if required > maxCrossTagThreshold {
						required = maxCrossTagThreshold
					}
				}
				if score < required {
					continue
				}
			}
			if bestIdx == -1 || score > bestScore {
				bestIdx, bestScore = i, score
			}
		}
		if bestIdx >= 0 {
			clusters[bestIdx].assign(cand)
		} else {
			clusters = append(clusters, newCluster(cand))
		}
	}

	sort.Slice(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.PeakImportance != b.PeakImportance {
			return a.PeakImportance > b.PeakImportance
		}
		if len(a.Items) != len(b.Items) {
			return len(a.Items) > len(b.Items)
		}
		if !a.Representative.TweetedAt.Equal(b.Representative.TweetedAt) {
			return a.Representative.TweetedAt.After(b.Representative.TweetedAt)
		}
		return a.Representative.PostExternalID < b.Representative.PostExternalID
	})
	return clusters
}
