package benchmark

import (
	"encoding/json"
	"sort"
)

const (
	DefaultLimit       = 25
	DefaultConcurrency = 16
)

// DatasetSpec describes how one dataset key is evaluated.
type DatasetSpec struct {
	Name        string          `json:"dataset_name"`
	Args        json.RawMessage `json:"dataset_args,omitempty"`
	Limit       int             `json:"limit"`
	Concurrency int             `json:"concurrency"`
}

// Catalog maps dataset keys to specs.
type Catalog map[string]DatasetSpec

func spec(name, args string) DatasetSpec {
	return DatasetSpec{Name: name, Args: json.RawMessage(args), Limit: DefaultLimit, Concurrency: DefaultConcurrency}
}

// DefaultCatalog returns the built-in datasets.
func DefaultCatalog() Catalog {
	return Catalog{
		"AIME24":              spec("aime24", `{"aime24":{"few_shot_num":3}}`),
		"AIME25":              spec("aime25", `{"aime25":{"few_shot_num":3}}`),
		"GPQA_DIAMOND":        spec("gpqa", `{"gpqa":{"subset_list":["gpqa_diamond"],"few_shot_num":3}}`),
		"MMLU_PRO_LAW":        spec("mmlu_pro", `{"mmlu_pro":{"subset_list":["law"],"few_shot_num":3}}`),
		"MMLU_PRO_BUSINESS":   spec("mmlu_pro", `{"mmlu_pro":{"subset_list":["business"],"few_shot_num":3}}`),
		"MMLU_PRO_PHILOSOPHY": spec("mmlu_pro", `{"mmlu_pro":{"subset_list":["philosophy"],"few_shot_num":3}}`),
		"LIVE_CODE_BENCH": spec("live_code_bench", `{"live_code_bench":{"subset_list":["release_latest"],`+
			`"extra_params":{"start_date":"2024-11-28","end_date":"2025-01-01"},`+
			`"filters":{"remove_until":"</think>"},"few_shot_num":3}}`),
	}
}

// Merge returns a copy of c with overrides applied by key. Zero limit and
// concurrency fall back to the defaults; an empty name keeps the base entry's.
func (c Catalog) Merge(overrides Catalog) Catalog {
	out := make(Catalog, len(c)+len(overrides))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range overrides {
		base, ok := out[k]
		if ok {
			if v.Name == "" {
				v.Name = base.Name
			}
			if len(v.Args) == 0 {
				v.Args = base.Args
			}
		}
		if v.Limit <= 0 {
			v.Limit = DefaultLimit
		}
		if v.Concurrency <= 0 {
			v.Concurrency = DefaultConcurrency
		}
		out[k] = v
	}
	return out
}

// Keys returns the catalog keys sorted.
func (c Catalog) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Select resolves keys against the catalog. Unknown keys are returned separately.
func (c Catalog) Select(keys []string) (known []string, unknown []string) {
	for _, k := range keys {
		if _, ok := c[k]; ok {
			known = append(known, k)
		} else {
			unknown = append(unknown, k)
		}
	}
	return known, unknown
}
