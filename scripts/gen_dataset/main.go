// Generates a demo question-answering dataset for the bowyer CLI:
// <root>/qa/{train,validation}.jsonl plus <root>/vocab.txt.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

type example struct {
	Input  string `json:"input"`
	Target string `json:"target"`
}

var trainPairs = []example{
	{"what color is the sky", "the sky is blue"},
	{"what color is grass", "grass is green"},
	{"what color is snow", "snow is white"},
	{"what color is coal", "coal is black"},
	{"how many legs has a spider", "a spider has eight legs"},
	{"how many legs has a dog", "a dog has four legs"},
	{"what is two plus two", "two plus two is four"},
	{"what is three plus three", "three plus three is six"},
	{"where does the sun rise", "the sun rises in the east"},
	{"where does the sun set", "the sun sets in the west"},
	{"what do bees make", "bees make honey"},
	{"what do cows drink", "cows drink water"},
	{"what season follows winter", "spring follows winter"},
	{"what season follows summer", "autumn follows summer"},
	{"how many days has a week", "a week has seven days"},
	{"how many months has a year", "a year has twelve months"},
}

var validationPairs = []example{
	{"what color is the sky", "the sky is blue"},
	{"how many legs has a dog", "a dog has four legs"},
	{"what do bees make", "bees make honey"},
	{"where does the sun rise", "the sun rises in the east"},
	{"what is two plus two", "two plus two is four"},
	{"what season follows winter", "spring follows winter"},
	{"how many days has a week", "a week has seven days"},
	{"what color is snow", "snow is white"},
}

func main() {
	root := flag.String("root", "data", "output root directory")
	flag.Parse()

	dir := filepath.Join(*root, "qa")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fail(err)
	}

	if err := writeSplit(filepath.Join(dir, "train.jsonl"), trainPairs); err != nil {
		fail(err)
	}
	if err := writeSplit(filepath.Join(dir, "validation.jsonl"), validationPairs); err != nil {
		fail(err)
	}
	if err := writeVocab(filepath.Join(*root, "vocab.txt")); err != nil {
		fail(err)
	}

	fmt.Printf("wrote %d train and %d validation examples under %s\n",
		len(trainPairs), len(validationPairs), dir)
}

func writeSplit(path string, examples []example) error {
	var sb strings.Builder
	for _, ex := range examples {
		line, err := json.Marshal(ex)
		if err != nil {
			return err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// writeVocab collects every word of both splits, sorted, one per line.
// Reserved tokens are added by the tokenizer itself.
func writeVocab(path string) error {
	seen := make(map[string]struct{})
	for _, ex := range append(append([]example{}, trainPairs...), validationPairs...) {
		for _, w := range strings.Fields(ex.Input + " " + ex.Target) {
			seen[w] = struct{}{}
		}
	}
	words := make([]string, 0, len(seen))
	for w := range seen {
		words = append(words, w)
	}
	sort.Strings(words)
	return os.WriteFile(path, []byte(strings.Join(words, "\n")+"\n"), 0o644)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
