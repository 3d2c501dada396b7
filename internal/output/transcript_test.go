package output

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const successOutput = "Deploying tpch.properties on: slave1\n" +
	"Deploying tpch.properties on: master\n" +
	"Deploying tpch.properties on: slave2\n" +
	"Deploying tpch.properties on: slave3\n"

const sudoPrompts = "[master] out: sudo password:\n" +
	"[master] out: \n" +
	"[slave1] out: sudo password:\n" +
	"[slave1] out: \n" +
	"[slave2] out: sudo password:\n" +
	"[slave2] out: \n" +
	"[slave3] out: sudo password:\n" +
	"[slave3] out: \n"

func TestEqualIgnoringOrder_CrossHostInterleaving(t *testing.T) {
	interleaved := "[slave2] out: sudo password:\n" +
		"Deploying tpch.properties on: master\n" +
		"[master] out: sudo password:\n" +
		"[slave3] out: sudo password:\n" +
		"[slave2] out: \n" +
		"[slave1] out: sudo password:\n" +
		"Deploying tpch.properties on: slave3\n" +
		"[master] out: \n" +
		"[slave1] out: \n" +
		"Deploying tpch.properties on: slave1\n" +
		"[slave3] out: \n" +
		"Deploying tpch.properties on: slave2\n"

	require.True(t, EqualIgnoringOrder(successOutput+sudoPrompts, interleaved))
}

func TestEqualIgnoringOrder_IntraHostOrderMatters(t *testing.T) {
	swapped := "[master] out: \n" +
		"[master] out: sudo password:\n" +
		"[slave1] out: sudo password:\n" +
		"[slave1] out: \n" +
		"[slave2] out: sudo password:\n" +
		"[slave2] out: \n" +
		"[slave3] out: sudo password:\n" +
		"[slave3] out: \n"

	require.False(t, EqualIgnoringOrder(sudoPrompts, swapped))
}

func TestEqualIgnoringOrder_CountsMatter(t *testing.T) {
	require.False(t, EqualIgnoringOrder(successOutput, successOutput+"Deploying tpch.properties on: master\n"))
	require.False(t, EqualIgnoringOrder(sudoPrompts, sudoPrompts+"[master] out: extra\n"))
	require.False(t, EqualIgnoringOrder("[a] out: x\n", "[b] out: x\n"))
}

func TestParseTranscript_Disconnects(t *testing.T) {
	tr := ParseTranscript("Disconnecting from master... done.\n[master] out: hi\nDisconnecting from slave1... done.\n")
	require.Equal(t, []string{"Disconnecting from master... done.", "[master] out: hi"}, tr.Hosts["master"])
	require.Equal(t, []string{"Disconnecting from slave1... done."}, tr.Hosts["slave1"])
	require.Empty(t, tr.Untagged)
}

func TestFromEventsMatchesParsedRender(t *testing.T) {
	events := []Event{
		{Host: "master", Kind: KindOut, Text: "sudo password:"},
		{Host: "master", Kind: KindOut, Text: ""},
		{Host: "master", Kind: KindSuccess, Text: "Deploying tpch.properties"},
		{Host: "master", Kind: KindDisconnect},
	}
	var text string
	for _, ev := range events {
		text += ev.Render() + "\n"
	}
	require.True(t, FromEvents(events).Equal(ParseTranscript(text)))
}
