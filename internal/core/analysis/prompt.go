package analysis

import "fmt"

// BuildPrompt 生成发送给文本生成服务的提示词
func BuildPrompt(t Task) string {
	country := t.Meta.Country
	if country == "" {
		country = "Unknown"
	}
	return fmt.Sprintf(`You are a concise network-forensics analyst. Analyze the following ASCII network traffic dump captured by a honeypot and describe the activity in one or two sentences. Include relevant technical details: IP addresses, ports, hostnames, shares, credentials, commands, protocol/service (%s) and any other network or OS metadata.
Metadata: source IP (%s), country (%s), service (%s), dump size (%d bytes), truncated (%t).
Output only a strict JSON object with exactly three keys: "description" (the 1-2 sentence description), "level" (one of green|yellow|red) and "phase" (the attack lifecycle phase, e.g. Reconnaissance, Initial Access, Credential Access, Execution, Persistence). Do NOT add any text outside of the JSON object, no headers, no markdown, no explanations.

ASCII_STRINGS:
%s`, t.Meta.Service, t.Meta.IP, country, t.Meta.Service, t.Meta.Size, t.Meta.Truncated, t.Payload)
}
