package prompt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
)

const reportSystem = `You are a vulnerability reporting analyst for pentests. You are writing a report for the Customer. Your colleague, a pentester, gives you information about the vulnerabilities found. You need to correctly, in technical language, describe the vulnerability, based on the text and pictures that he sent you.
Always insert screenshots directly into the text, using the exact link given, e.g. ![alt](screenshotN.png).
The report is structured like this:
## Vulnerability name
### Description
A few sentences about the vulnerability

| **Parameter** | **Value** |
| --------------- | --------------------------------------------- |
| **Severity** | ![CRITICAL](https://img.shields.io/badge/Severity-Critical-red) / High / Medium / Low |
| **Node** | ` + "`You must specify the IP address, subnet, or DNS name of the victim.`" + ` |

### Proof of exploitation
You must start with the phrase "To exploit this vulnerability, you must perform the following actions."
In this chapter, you must prove the existence of the vulnerability based on the information and screenshots that the penetration tester sends you. When doing this, indicate where to insert the images using ![alt](screenshotN.png).
### Risk analysis
### Recommendations
Here you need 2-3 most important recommendations for the customer.`

const killChainSystem = `You and I are writing a scenario of maximum attacks for a pentest report. I will give you a description of the kill chain as a sequence of actions in informal language and you adapt it for the report.
The report should be written in competent technical language, avoiding slang expressions, in markdown format.
Links to screenshots in markdown format must be left as is, without changing anything. Immediately under each screenshot write
Screenshot: a short description.
I left hints for a short description under each screenshot.
Start the description with the title
## Attack scenario
then a short summary of the attack and which services were compromised,
then a description of each stage of the attack.
Nothing else needs to be described.`

const summarySystem = `You are a cybersecurity expert preparing the Executive Summary section of an internal/external penetration test report. Your audience is executives and non-technical stakeholders. Use clear business English, avoid jargon without explanation. Answer with the summary text only, without a heading.`

const statisticsSystem = `You count vulnerabilities in a penetration test report. You must produce one valid JSON object only (no markdown, no commentary, no code fences) that follows the schema below.

Requirements:
- Every "## " section describing a vulnerability counts once, under the severity stated in its parameter table.
- Informational findings are counted as low.
- total must equal critical + high + medium + low.

Schema (example with empty values):
{"critical": 0, "high": 0, "medium": 0, "low": 0, "total": 0}`

// SystemFor returns the drafting instructions for a report kind.
func SystemFor(kind report.Kind) (string, error) {
	switch kind {
	case report.KindReport, "":
		return reportSystem, nil
	case report.KindKillChain:
		return killChainSystem, nil
	}
	return "", fmt.Errorf("unknown report kind %q", kind)
}

// FollowUp wraps a refinement instruction with the current document, which the
// model has no memory of.
func FollowUp(instruction, priorDocument string) string {
	return strings.TrimSpace(instruction) +
		"\n\n---\n\n" +
		"Current report in Markdown (for context):\n\n" +
		priorDocument
}

// Summary returns the system and user text for an executive summary request.
func Summary(body string) (system, user string) {
	return summarySystem, "Below are the vulnerabilities found\n\n" + body
}

// Statistics returns the system and user text for a severity count request.
func Statistics(body string) (system, user string) {
	return statisticsSystem, "Count the vulnerabilities in this report and respond with the JSON per schema.\n\n" + body
}

// Counts is the JSON shape the statistics request is asked to produce.
type Counts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Total    int `json:"total"`
}

var jsonBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// ParseStatistics extracts the counts object from a model answer. Code fences and
// chatter around the object are tolerated.
func ParseStatistics(answer string) (report.Statistics, error) {
	payload := strings.TrimSpace(answer)
	if m := jsonBlockRe.FindStringSubmatch(payload); m != nil {
		payload = m[1]
	}
	start, end := strings.Index(payload, "{"), strings.LastIndex(payload, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in statistics answer")
	}

	var c Counts
	if err := json.Unmarshal([]byte(payload[start:end+1]), &c); err != nil {
		return nil, fmt.Errorf("parse statistics answer: %w", err)
	}
	if c.Critical < 0 || c.High < 0 || c.Medium < 0 || c.Low < 0 {
		return nil, fmt.Errorf("negative count in statistics answer")
	}
	return report.Statistics{
		report.SeverityCritical: c.Critical,
		report.SeverityHigh:     c.High,
		report.SeverityMedium:   c.Medium,
		report.SeverityLow:      c.Low,
	}, nil
}
