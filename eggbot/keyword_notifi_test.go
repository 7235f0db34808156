package eggbot

import (
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"strings"
	"testing"
)

const testMemberID = "123456789012345678"

func keywordSection(entries ...map[string]any) map[string]any {
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	return map[string]any{keywordNotifiSection: list}
}

func keywordEntryConfig(memberID string, pattern string) map[string]any {
	return map[string]any{"member_id": memberID, "pattern": pattern}
}

func newTestKeywordNotifi(t testing.TB, config map[string]any) *KeywordNotifi {
	t.Helper()
	k := NewKeywordNotifi(nil)
	require.NoError(t, k.LoadConfig(config))
	return k
}

func testChatMessage(content string) ChatMessage {
	return ChatMessage{
		MemberID:   "999",
		ChannelID:  "555",
		GuildID:    testGuildID,
		RawMessage: content,
	}
}

func TestKeywordNotifi_WordBoundaryMatch(t *testing.T) {
	k := newTestKeywordNotifi(
		t,
		keywordSection(keywordEntryConfig(testMemberID, "Jeff(erson|)")),
	)

	testCases := []struct {
		content string
		match   bool
	}{
		{content: "Jefferson's", match: true},
		{content: "Jeff", match: true},
		{content: "have you seen jeff today?", match: true},
		{content: "JEFFERSON!", match: true},
		{content: "weirdJefferson", match: false},
		{content: "Jeffersonian", match: false},
		{content: "nothing to see here", match: false},
		{content: fmt.Sprintf("hey <@%s>", testMemberID), match: true},
		{content: fmt.Sprintf("hey <@!%s>", testMemberID), match: true},
		{content: "hey <@1>", match: false},
	}
	for _, tc := range testCases {
		t.Run(
			tc.content, func(t *testing.T) {
				resp := k.ProcessMessage(testChatMessage(tc.content))
				if !tc.match {
					assert.Nil(t, resp)
					return
				}
				require.NotNil(t, resp)
				assert.Equal(t, testMemberID, resp.TargetID)
				assert.Empty(t, resp.DeliveryID)
				assert.Contains(t, resp.Message, tc.content)
				assert.Contains(t, resp.Message, "<#555>")
				assert.True(t, strings.HasPrefix(resp.Message, memberMention("999")))
			},
		)
	}
}

func TestKeywordNotifi_WordBoundaryPatterns(t *testing.T) {
	testCases := []struct {
		name    string
		pattern string
		content string
		match   bool
	}{
		{name: "accent inside word", pattern: "ve", content: "such a naïve idea", match: false},
		{name: "apostrophe", pattern: "ve", content: "we've got eggs", match: true},
		{name: "accented keyword", pattern: "café", content: "meet at the café later", match: true},
		{name: "accented keyword case", pattern: "café", content: "CAFÉ!", match: true},
		{name: "accented keyword suffix", pattern: "café", content: "two cafés", match: false},
		{name: "leading accent", pattern: "über", content: "über alles", match: true},
		{name: "leading accent prefix", pattern: "über", content: "Überall", match: false},
		{name: "cyrillic", pattern: "яйцо", content: "где моё Яйцо?", match: true},
		{name: "cyrillic suffix", pattern: "яйцо", content: "яйцом", match: false},
		{name: "accented prefix", pattern: "egg", content: "déjàegg", match: false},
		{name: "combining mark", pattern: "cafe", content: "cafe\u0301 au lait", match: false},
		{name: "cjk neighbours", pattern: "egg", content: "卵egg", match: false},
		{name: "hyphen", pattern: "egg", content: "an egg-shaped rock", match: true},
		{name: "multiline", pattern: "egg", content: "first line\negg", match: true},
		{name: "alternation inner", pattern: "foo|bar", content: "rebar", match: false},
		{name: "alternation first", pattern: "foo|bar", content: "foobar", match: false},
		{name: "alternation word", pattern: "foo|bar", content: "a bar b", match: true},
		{name: "uppercase pattern", pattern: "EGG", content: "an egg", match: true},
		{name: "escape kept", pattern: `egg\Wtoast`, content: "egg&toast", match: true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				k := newTestKeywordNotifi(
					t,
					keywordSection(keywordEntryConfig(testMemberID, tc.pattern)),
				)
				resp := k.ProcessMessage(testChatMessage(tc.content))
				if tc.match {
					require.NotNil(t, resp)
					assert.Equal(t, testMemberID, resp.TargetID)
				} else {
					assert.Nil(t, resp)
				}
			},
		)
	}
}

func TestKeywordNotifi_SkipsAuthor(t *testing.T) {
	k := newTestKeywordNotifi(
		t,
		keywordSection(
			keywordEntryConfig("999", "egg"),
			keywordEntryConfig("1234", "spam"),
		),
	)

	// 999's own keyword is listed first, but 999 wrote the message
	resp := k.ProcessMessage(testChatMessage("egg and spam"))
	require.NotNil(t, resp)
	assert.Equal(t, "1234", resp.TargetID)

	assert.Nil(t, k.ProcessMessage(testChatMessage("just egg")))
	assert.Nil(t, k.ProcessMessage(testChatMessage("hi <@999>")))
}

func TestKeywordNotifi_LoadSizes(t *testing.T) {
	for _, n := range []int{1, 10, 100, 10000} {
		t.Run(
			fmt.Sprintf("%d", n), func(t *testing.T) {
				entries := make([]map[string]any, 0, n)
				for i := 0; i < n; i++ {
					entries = append(
						entries,
						keywordEntryConfig(fmt.Sprintf("%d", i), fmt.Sprintf("keyword%d", i)),
					)
				}
				k := newTestKeywordNotifi(t, keywordSection(entries...))
				assert.Equal(t, n, k.Len())

				resp := k.ProcessMessage(testChatMessage(fmt.Sprintf("keyword%d", n-1)))
				require.NotNil(t, resp)
				assert.Equal(t, fmt.Sprintf("%d", n-1), resp.TargetID)

				// reloading with fewer entries replaces, rather than merges
				require.NoError(t, k.LoadConfig(keywordSection(entries[0])))
				assert.Equal(t, 1, k.Len())
				if n > 1 {
					assert.Nil(t, k.ProcessMessage(testChatMessage(fmt.Sprintf("keyword%d", n-1))))
				}
			},
		)
	}
}

func TestKeywordNotifi_MissingSection(t *testing.T) {
	k := newTestKeywordNotifi(t, keywordSection(keywordEntryConfig(testMemberID, "egg")))

	err := k.LoadConfig(map[string]any{"something_else": []any{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingConfigSection)

	assert.Equal(t, 1, k.Len())
	assert.NotNil(t, k.ProcessMessage(testChatMessage("egg")))
}

func TestKeywordNotifi_EmptySectionClears(t *testing.T) {
	k := newTestKeywordNotifi(t, keywordSection(keywordEntryConfig(testMemberID, "egg")))

	require.NoError(t, k.LoadConfig(map[string]any{keywordNotifiSection: nil}))
	assert.Equal(t, 0, k.Len())
	assert.Nil(t, k.ProcessMessage(testChatMessage("egg")))

	require.NoError(t, k.LoadConfig(keywordSection()))
	assert.Equal(t, 0, k.Len())
}

func TestKeywordNotifi_InvalidEntryKeepsState(t *testing.T) {
	testCases := []struct {
		name  string
		entry map[string]any
	}{
		{name: "bad regex", entry: keywordEntryConfig("1", "egg(")},
		{name: "missing pattern", entry: map[string]any{"member_id": "1"}},
		{name: "missing member", entry: map[string]any{"pattern": "bacon"}},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				k := newTestKeywordNotifi(
					t,
					keywordSection(keywordEntryConfig(testMemberID, "egg")),
				)
				err := k.LoadConfig(
					keywordSection(keywordEntryConfig("2", "toast"), tc.entry),
				)
				require.Error(t, err)

				configs := k.Configs()
				require.Len(t, configs, 1)
				assert.Equal(t, testMemberID, configs[0].MemberID)
			},
		)
	}
}

func TestKeywordNotifi_DisabledAndBlockList(t *testing.T) {
	k := newTestKeywordNotifi(
		t,
		keywordSection(
			map[string]any{
				"member_id": "1",
				"pattern":   "egg",
				"enabled":   false,
			},
			map[string]any{
				"member_id":  "2",
				"pattern":    "egg",
				"block_list": []any{"999"},
			},
			keywordEntryConfig("3", "egg"),
		),
	)

	resp := k.ProcessMessage(testChatMessage("egg"))
	require.NotNil(t, resp)
	assert.Equal(t, "3", resp.TargetID)

	msg := testChatMessage("egg")
	msg.MemberID = "888"
	resp = k.ProcessMessage(msg)
	require.NotNil(t, resp)
	assert.Equal(t, "2", resp.TargetID)
}

func TestKeywordNotifi_DuplicateMemberLastWins(t *testing.T) {
	k := newTestKeywordNotifi(
		t,
		keywordSection(
			keywordEntryConfig("1", "egg"),
			keywordEntryConfig("2", "egg"),
			keywordEntryConfig("1", "bacon"),
		),
	)
	configs := k.Configs()
	require.Len(t, configs, 2)
	assert.Equal(t, "1", configs[0].MemberID)
	assert.Equal(t, "2", configs[1].MemberID)

	resp := k.ProcessMessage(testChatMessage("egg"))
	require.NotNil(t, resp)
	assert.Equal(t, "2", resp.TargetID)

	resp = k.ProcessMessage(testChatMessage("bacon"))
	require.NotNil(t, resp)
	assert.Equal(t, "1", resp.TargetID)
}

func TestKeywordNotifi_YAMLConfig(t *testing.T) {
	data := `
keyword_notifi:
  - member_id: 123456789012345678
    pattern: "Egg(s|)"
  - member_id: "42"
    pattern: toast
    enabled: false
    block_list: [1, 2]
`
	config := map[string]any{}
	require.NoError(t, yaml.Unmarshal([]byte(data), &config))

	k := newTestKeywordNotifi(t, config)
	configs := k.Configs()
	require.Len(t, configs, 2)
	assert.Equal(t, testMemberID, configs[0].MemberID)
	assert.True(t, configs[0].Enabled)
	assert.False(t, configs[1].Enabled)
	assert.Equal(t, []string{"1", "2"}, configs[1].BlockList)

	resp := k.ProcessMessage(testChatMessage("I like eggs"))
	require.NotNil(t, resp)
	assert.Equal(t, testMemberID, resp.TargetID)
}

func TestKeywordNotifi_LongMessageQuote(t *testing.T) {
	k := newTestKeywordNotifi(t, keywordSection(keywordEntryConfig(testMemberID, "egg")))

	content := "egg\n" + strings.Repeat("a", 3*discordMaxMessageLength)
	resp := k.ProcessMessage(testChatMessage(content))
	require.NotNil(t, resp)
	assert.Contains(t, resp.Message, "> egg\n> a")
	assert.Less(t, len([]rune(resp.Message)), discordMaxMessageLength)
}
