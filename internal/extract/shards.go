package extract

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
)

var shardSuffixes = []string{".gz", ".jsonl", ".ndjson"}

// FindShards lists every line-delimited JSON shard under root, sorted by path.
func FindShards(fs billy.Filesystem, root string) ([]string, error) {
	var shards []string
	err := util.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		for _, suf := range shardSuffixes {
			if strings.HasSuffix(p, suf) {
				shards = append(shards, p)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(shards)
	return shards, nil
}
