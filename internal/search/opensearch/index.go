package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/telhawk-systems/casehawk/internal/failure"
	"github.com/telhawk-systems/casehawk/internal/search"
)

// ignoreAbove bounds keyword subfields. Lucene rejects terms over 32766
// bytes; 8191 runes stay under that for any UTF-8 input.
const ignoreAbove = 8191

// EnsureIndex creates index with the casehawk mapping when it is missing.
// Losing a creation race to another worker is not an error.
func (e *Engine) EnsureIndex(ctx context.Context, index string) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.client.Indices.Exists([]string{index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return failure.FromTransport("index exists", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}
	if res.StatusCode != 404 {
		return failure.FromStatus("index exists", res.StatusCode, res.Status())
	}

	body, err := json.Marshal(e.indexBody())
	if err != nil {
		return err
	}
	res, err = e.client.Indices.Create(index,
		e.client.Indices.Create.WithBody(bytes.NewReader(body)),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return failure.FromTransport("create index", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		var reply struct {
			Error struct {
				Type string `json:"type"`
			} `json:"error"`
		}
		raw := new(bytes.Buffer)
		_, _ = raw.ReadFrom(res.Body)
		if json.Unmarshal(raw.Bytes(), &reply) == nil && reply.Error.Type == "resource_already_exists_exception" {
			return nil
		}
		return failure.FromStatus("create index", res.StatusCode, raw.String())
	}

	e.logger.Info("created case index", "index", index)
	return nil
}

func (e *Engine) indexBody() map[string]interface{} {
	settings := map[string]interface{}{
		"number_of_shards":   e.config.ShardCount,
		"number_of_replicas": e.config.ReplicaCount,
	}
	if e.config.RefreshInterval != "" {
		settings["refresh_interval"] = e.config.RefreshInterval
	}
	if e.config.FieldLimit > 0 {
		settings["mapping.total_fields.limit"] = e.config.FieldLimit
	}
	return map[string]interface{}{
		"settings": settings,
		"mappings": Mappings(),
	}
}

// Mappings returns the per-case index mapping. Every leaf under raw is
// indexed as text with an exact keyword subfield whatever its JSON type, so
// the same key may hold a string in one file and a number in another.
func Mappings() map[string]interface{} {
	rawLeaf := map[string]interface{}{
		"type": "text",
		"fields": map[string]interface{}{
			"keyword": map[string]interface{}{
				"type":         "keyword",
				"ignore_above": ignoreAbove,
			},
		},
	}
	rawTemplate := func(name, jsonType string) map[string]interface{} {
		return map[string]interface{}{
			name: map[string]interface{}{
				"path_match":         search.FieldRaw + ".*",
				"match_mapping_type": jsonType,
				"mapping":            rawLeaf,
			},
		}
	}
	keyword := map[string]interface{}{"type": "keyword"}

	return map[string]interface{}{
		"dynamic":           true,
		"date_detection":    false,
		"numeric_detection": false,
		"dynamic_templates": []map[string]interface{}{
			rawTemplate("raw_strings", "string"),
			rawTemplate("raw_longs", "long"),
			rawTemplate("raw_doubles", "double"),
			rawTemplate("raw_booleans", "boolean"),
			{
				"strings_as_keywords": map[string]interface{}{
					"match_mapping_type": "string",
					"mapping":            keyword,
				},
			},
		},
		"properties": map[string]interface{}{
			search.FieldEventTime:       map[string]interface{}{"type": "date"},
			search.FieldHost:            keyword,
			search.FieldEventType:       keyword,
			search.FieldSourceFormat:    keyword,
			search.FieldCaseID:          map[string]interface{}{"type": "long"},
			search.FieldFileID:          map[string]interface{}{"type": "long"},
			search.FieldFileIDs:         map[string]interface{}{"type": "long"},
			"source_path":               keyword,
			"record_offset":             map[string]interface{}{"type": "long"},
			"ingested_at":               map[string]interface{}{"type": "date"},
			search.FieldHasRule:         map[string]interface{}{"type": "boolean"},
			search.FieldRuleNames:       keyword,
			search.FieldHasIOC:          map[string]interface{}{"type": "boolean"},
			search.FieldIndicatorValues: keyword,
			search.FieldRaw:             map[string]interface{}{"type": "object"},
		},
	}
}

// ClusterHealth reports active shards and data nodes.
func (e *Engine) ClusterHealth(ctx context.Context) (*search.Health, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.client.Cluster.Health(e.client.Cluster.Health.WithContext(ctx))
	var reply struct {
		ActiveShards int `json:"active_shards"`
		DataNodes    int `json:"number_of_data_nodes"`
	}
	if err := decode("cluster health", res, err, &reply); err != nil {
		return nil, err
	}
	return &search.Health{ActiveShards: reply.ActiveShards, DataNodes: reply.DataNodes}, nil
}

const maxShardsSetting = "cluster.max_shards_per_node"

// MaxShardsPerNode resolves the setting with transient taking precedence
// over persistent over the built-in default.
func (e *Engine) MaxShardsPerNode(ctx context.Context) (int, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	res, err := e.client.Cluster.GetSettings(
		e.client.Cluster.GetSettings.WithContext(ctx),
		e.client.Cluster.GetSettings.WithIncludeDefaults(true),
		e.client.Cluster.GetSettings.WithFlatSettings(true),
	)
	var reply struct {
		Transient  map[string]interface{} `json:"transient"`
		Persistent map[string]interface{} `json:"persistent"`
		Defaults   map[string]interface{} `json:"defaults"`
	}
	if err := decode("cluster settings", res, err, &reply); err != nil {
		return 0, err
	}
	for _, layer := range []map[string]interface{}{reply.Transient, reply.Persistent, reply.Defaults} {
		v, ok := layer[maxShardsSetting]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(fmt.Sprint(v))
		if err != nil {
			return 0, fmt.Errorf("parse %s %q: %w", maxShardsSetting, v, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s not reported by cluster", maxShardsSetting)
}
