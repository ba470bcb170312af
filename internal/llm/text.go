package llm

import (
	"strings"

	"golang.org/x/text/width"
)

// The prompts ask for responses in the transcript's language; %[1]s is the
// language name, %[2]s the content.

const formatPromptTemplate = `请为以下视频转录内容添加标点符号并分段落整理。转录内容使用%[1]s。

要求：
1. 添加适当的标点符号（句号、逗号、问号、感叹号等）
2. 根据语义和停顿，将内容分成多个段落
3. 每个段落应该表达一个完整的意思
4. 保持原文内容不变，只添加标点符号和分段
5. 使用%[1]s回复

转录内容：
%[2]s

请整理后的内容：`

const summaryPromptTemplate = `请为以下视频转录内容生成一个简洁的总结。转录内容使用%[1]s。

要求：
1. 总结应该简洁明了，突出主要内容
2. 如果内容较长，可以分段总结
3. 使用%[1]s回复

转录内容：
%[2]s

请生成总结：`

const keywordsPromptTemplate = `请为以下视频内容提取关键词。转录内容使用%[1]s。

要求：
1. 提取5-10个最重要的关键词
2. 关键词应该能够概括视频的主要内容
3. 关键词之间用逗号分隔
4. 只返回关键词，不要其他说明文字
5. 使用%[1]s回复

视频内容：
%[2]s

关键词：`

// Completion backends sometimes echo the prompt before the answer; the
// trailing instruction line of each prompt doubles as the split marker.
const (
	formatEchoMarker   = "请整理后的内容："
	keywordsEchoMarker = "关键词："
)

func stripFormatEcho(response string) string {
	if idx := strings.LastIndex(response, formatEchoMarker); idx >= 0 {
		response = response[idx+len(formatEchoMarker):]
	}
	return strings.TrimSpace(response)
}

// cleanKeywords reduces a model response to a normalized comma-separated
// keyword list: pick the line that actually carries the keywords, fold
// full-width punctuation and letters to their narrow forms, and dedupe.
func cleanKeywords(raw string) string {
	if idx := strings.LastIndex(raw, keywordsEchoMarker); idx >= 0 {
		raw = raw[idx+len(keywordsEchoMarker):]
	}

	var line string
	for _, candidate := range strings.Split(raw, "\n") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" ||
			strings.HasPrefix(candidate, "请") ||
			strings.HasPrefix(candidate, "关键词") ||
			strings.HasPrefix(candidate, "要求") {
			continue
		}
		if strings.ContainsAny(candidate, ",，") {
			line = candidate
			break
		}
		if line == "" {
			line = candidate
		}
	}

	line = width.Narrow.String(line)
	line = strings.TrimRight(line, ".,。，｡､")
	if line == "" {
		return ""
	}

	seen := make(map[string]bool)
	var keywords []string
	for _, part := range strings.Split(line, ",") {
		kw := strings.TrimSpace(part)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if seen[key] {
			continue
		}
		seen[key] = true
		keywords = append(keywords, kw)
	}
	return strings.Join(keywords, ", ")
}

// truncateRunes limits s to max characters, marking the cut with an
// ellipsis. Limits are in runes so multi-byte scripts are not cut short.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

// chunkRunes splits s into consecutive chunks of at most size characters.
func chunkRunes(s string, size int) []string {
	if size <= 0 || s == "" {
		return []string{s}
	}
	runes := []rune(s)
	if len(runes) <= size {
		return []string{s}
	}
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
