package topic

import "testing"

func TestTopics_MatchesWholeWordsOnly(t *testing.T) {
	c := NewKeywordClassifier()

	topics := c.Topics("Will Bitcoin reach $100k by March?")
	if !contains(topics, "bitcoin") {
		t.Fatalf("expected bitcoin topic, got %v", topics)
	}

	// "eth" 不应从 "ethics" 这类词中提取出来。
	topics = c.Topics("Will the ethics committee convene?")
	if contains(topics, "eth") {
		t.Fatalf("unexpected eth topic from substring match: %v", topics)
	}
}

func TestTopics_DistinctAssetsStayDistinct(t *testing.T) {
	c := NewKeywordClassifier()

	btc := c.Topics("Bitcoin above $100k?")
	ethTopics := c.Topics("Ethereum above $5k?")

	for _, tag := range btc {
		if contains(ethTopics, tag) {
			t.Fatalf("bitcoin and ethereum questions share topic %q", tag)
		}
	}
}

func TestTopics_MatchesPhrases(t *testing.T) {
	c := NewKeywordClassifier()

	topics := c.Topics("Will the Fed announce a rate cut in June?")
	if !contains(topics, "rate cut") {
		t.Fatalf("expected rate cut topic, got %v", topics)
	}
	if !contains(topics, "fed") {
		t.Fatalf("expected fed topic, got %v", topics)
	}
}

func TestTopics_NoDuplicates(t *testing.T) {
	c := NewKeywordClassifier()

	topics := c.Topics("bitcoin bitcoin bitcoin")
	count := 0
	for _, tag := range topics {
		if tag == "bitcoin" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected single bitcoin tag, got %d", count)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
