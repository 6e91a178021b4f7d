package models

const (
	// CondensePromptTemplate rewrites a follow-up question into a standalone
	// one. Placeholders: chat history, question.
	CondensePromptTemplate = `Given the conversation history and the following question, rephrase the user's question in its original language so that it is self-sufficient. The conversation may contain spelling mistakes and grammatical errors, but your goal is to understand the underlying question. Avoid the use of unclear pronouns. If the question is already self-sufficient, return the original question unchanged. Answer only with the rephrased question and nothing else.

Chat history:
%s

Question: %s

Rephrased question:`

	// AnswerSystemPrompt instructs the model to stay grounded in the supplied
	// context, and to decline when the context is empty.
	AnswerSystemPrompt = `You are a helpful assistant. Answer the user's question using only the information in the provided context. Do not state anything that is not supported by the context. If the context is empty or does not contain the answer, say that no relevant information was found and ask the user to clarify or rephrase their question.`

	// AnswerPromptTemplate carries the assembled context and the standalone
	// question. Placeholders: context, question.
	AnswerPromptTemplate = "Context:\n%s\n\nQuestion: %s"

	// IncidentMessageTemplate is the user-safe reply stored when answer
	// generation fails. Placeholder: incident id.
	IncidentMessageTemplate = "I'm sorry, I could not generate an answer this time. Please try again later and mention incident id %s if the problem persists."

	// ContextSeparator joins annotated chunks in the assembled context.
	ContextSeparator = "\n\n"
)
