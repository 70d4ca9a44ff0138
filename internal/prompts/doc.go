// Package prompts contains the fixed text Mailroom sends to models: the
// default system prompt and the corrective turns the control loop
// injects when a reply does not fit the expected protocol.
//
// Prompt text is Go code rather than config because the loop's state
// machine depends on it. Operators may replace the system prompt body
// through agent.system_prompt; the corrective turns are fixed.
package prompts
