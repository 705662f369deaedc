package topic

import (
	"strings"
	"unicode"
)

// Classifier 将市场标题映射为主题标签集合，用于识别相关性下注。
type Classifier interface {
	Topics(text string) []string
}

// 关键词按类别维护：加密资产、公司、地缘政治、大宗商品、选举、货币政策、体育。
// 单词关键词按分词精确匹配，多词短语按子串匹配，避免把字面不同的
// 关键词误判为相关。
var defaultVocabulary = [][]string{
	{"bitcoin", "btc", "ethereum", "eth", "solana", "dogecoin", "xrp", "crypto"},
	{"tesla", "apple", "nvidia", "microsoft", "amazon", "google", "meta", "openai", "spacex"},
	{"ukraine", "russia", "china", "taiwan", "israel", "iran", "gaza", "nato"},
	{"gold", "oil", "silver", "uranium"},
	{"election", "president", "presidential", "senate", "congress", "governor"},
	{"fed", "fomc", "inflation", "recession", "interest rate", "rate cut", "rate hike"},
	{"super bowl"},
}

// KeywordClassifier 基于固定词表做主题识别。
// 识别是提示性的文本匹配，漏判可以接受，误判不允许。
type KeywordClassifier struct {
	words   map[string]struct{}
	phrases []string
}

// NewKeywordClassifier 使用内置词表创建分类器。
func NewKeywordClassifier() *KeywordClassifier {
	c := &KeywordClassifier{
		words: make(map[string]struct{}),
	}
	for _, group := range defaultVocabulary {
		for _, kw := range group {
			if strings.Contains(kw, " ") {
				c.phrases = append(c.phrases, kw)
			} else {
				c.words[kw] = struct{}{}
			}
		}
	}
	return c
}

// Topics 返回文本命中的全部主题关键词。
func (c *KeywordClassifier) Topics(text string) []string {
	lowered := strings.ToLower(text)
	seen := make(map[string]struct{})
	var topics []string

	for _, token := range tokenize(lowered) {
		if _, ok := c.words[token]; !ok {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		topics = append(topics, token)
	}

	for _, phrase := range c.phrases {
		if !strings.Contains(lowered, phrase) {
			continue
		}
		if _, dup := seen[phrase]; dup {
			continue
		}
		seen[phrase] = struct{}{}
		topics = append(topics, phrase)
	}

	return topics
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
