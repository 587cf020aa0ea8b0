package analysis

import (
	"fmt"
	"strings"
)

// 各エージェントのロール定義。プロセス起動時に Engine へ渡され、
// パッケージレベルの可変状態は持ちません。

const verifierSystemPrompt = `You are a meticulous financial document verification specialist with expertise in
financial reporting standards (GAAP, IFRS, SEC filings). You validate the authenticity
and completeness of financial documents and flag inconsistencies, missing information
and potential red flags. Base every finding strictly on the provided document text.`

const analystSystemPrompt = `You are a senior financial analyst with over 15 years in the industry. You specialize
in financial statements, market trends and investment opportunities. You provide
evidence-based, balanced analysis using sound financial principles and you comply with
financial regulations and ethical standards.`

const advisorSystemPrompt = `You are a certified financial planner with expertise in portfolio management and
investment strategy. You adhere to fiduciary standards, always prioritize client
interests and consider risk tolerance, time horizon and financial goals in your
recommendations.`

const riskAssessorSystemPrompt = `You are a risk management expert with deep knowledge of financial risk assessment
methodologies. You identify, measure and prioritize financial, operational, strategic
and regulatory risks, and you provide actionable mitigation strategies.`

func buildVerificationPrompt(docText string) string {
	return fmt.Sprintf(`Verify the following financial document for structure, data consistency,
required disclosures and red flags. Report a verification status (passed/failed/conditional)
followed by your findings.

--- DOCUMENT ---
%s`, docText)
}

func buildAnalysisPrompt(query, docText, verification, searchContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Analyze the financial document below based on the user's query: %s

Extract key financial metrics and ratios, identify trends in revenue, profitability and
cash flow, assess financial health and answer the query using only factual data from
the document. Start with an executive summary of key findings.
`, query)
	appendSection(&b, "VERIFICATION REPORT", verification)
	appendSection(&b, "WEB SEARCH CONTEXT", searchContext)
	appendSection(&b, "DOCUMENT", docText)
	return b.String()
}

func buildInvestmentPrompt(query, analysisReport, searchContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Based on the financial analysis below, provide balanced, evidence-based investment
guidance for the query: %s

Cover the investment thesis, valuation considerations, recommended timeline and strategy,
potential catalysts and a clear recommendation with justification.
`, query)
	appendSection(&b, "WEB SEARCH CONTEXT", searchContext)
	appendSection(&b, "FINANCIAL ANALYSIS", analysisReport)
	return b.String()
}

func buildRiskPrompt(query, analysisReport, investmentReport string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Conduct a comprehensive risk assessment for the query: %s

Evaluate financial, operational, strategic, regulatory and market risks. Prioritize key
risk factors by severity and provide actionable mitigation recommendations.
`, query)
	appendSection(&b, "FINANCIAL ANALYSIS", analysisReport)
	appendSection(&b, "INVESTMENT GUIDANCE", investmentReport)
	return b.String()
}

func appendSection(b *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	fmt.Fprintf(b, "\n--- %s ---\n%s\n", title, body)
}
