package pipeline

import "github.com/hefeijay/japan-aquaculture-project/internal/config"

// Prompts are the effective stage prompts for one orchestrator. Defaults
// target the Japanese shrimp aquaculture domain; any of them can be replaced
// through the prompt override file.
type Prompts struct {
	System   string
	Intent   string
	Rewriter string
	Routing  string
	Thinking string
	Chat     string
}

const defaultSystemPrompt = `你是日本对虾养殖领域的专业AI助手，熟悉南美白对虾、日本对虾等品种的养殖技术，包括水质管理、投喂策略、病害防治和设备操作。
回答要专业、准确、简洁，使用养殖户能理解的语言。不确定的内容要明确说明，不要编造数据。`

const defaultIntentPrompt = `你是一个意图分类器。将用户的问题分类为以下类别之一：
- chitchat：寒暄、闲聊、与养殖无关的对话
- data_query：查询养殖数据（水温、pH、溶氧、历史记录等）
- data_analysis：需要对养殖数据进行分析、对比或总结
- device_control：控制设备（增氧机、投喂机、水泵等的开关和调节）
- domain_knowledge：养殖专业知识问题（病害、投喂、水质管理等）
- other：无法归入以上类别

只输出类别名称，不要输出其他内容。

用户问题：%s`

const defaultRewriterPrompt = `根据对话历史，将用户的最新问题改写为一个独立完整的问题。
如果问题中包含"它"、"这个"、"那样"等指代，用历史中的具体内容替换；如果问题已经完整独立，原样输出。
只输出改写后的问题，不要输出解释。

对话历史：
%s

用户问题：%s`

const defaultRoutingPrompt = `你是养殖问答系统的路由器。根据用户的问题和意图，决定如何处理。
专家系统擅长回答专业养殖问题（病害诊断、投喂方案、水质调控等）；简单寒暄和常识问题不需要专家。

以JSON格式输出决策，不要输出其他内容：
{"needs_expert": true或false, "needs_data": true或false, "decision": "简短决策", "reason": "简短理由"}

意图：%s
用户问题：%s`

const defaultThinkingPrompt = `你是日本对虾养殖领域的专业AI助手。专家系统已经针对用户的问题给出了参考答案，请以专家答案为依据组织你的回复：
- 保留专家答案中的专业结论和数据；
- 用通顺自然的语言表达，可以适当补充背景说明；
- 不要与专家答案矛盾，不要编造专家没有提到的数据。

专家答案：
%s`

const defaultChatPrompt = `你是日本对虾养殖领域的专业AI助手。根据对话历史和提供的上下文信息回答用户的问题。
回答要专业、准确、简洁。如果上下文中有天气信息且与问题相关，结合天气给出建议。`

const defaultDevicePrompt = `用户发出了设备控制请求。设备控制指令已转发给设备管理系统执行。
请向用户确认收到了控制请求，简述将要执行的操作，并提醒用户以设备管理系统的执行结果为准。

用户请求：%s`

const defaultDeviceDisabledPrompt = `用户发出了设备控制请求，但当前系统未接入设备管理系统，无法执行设备操作。
请礼貌告知用户设备控制暂不可用，并就用户想达到的目的给出人工操作建议。

用户请求：%s`

// ResolvePrompts merges file overrides onto the built-in defaults.
func ResolvePrompts(overrides config.PromptOverrides) Prompts {
	p := Prompts{
		System:   defaultSystemPrompt,
		Intent:   defaultIntentPrompt,
		Rewriter: defaultRewriterPrompt,
		Routing:  defaultRoutingPrompt,
		Thinking: defaultThinkingPrompt,
		Chat:     defaultChatPrompt,
	}
	if overrides.SystemPrompt != "" {
		p.System = overrides.SystemPrompt
	}
	if overrides.Intent != "" {
		p.Intent = overrides.Intent
	}
	if overrides.QueryRewriter != "" {
		p.Rewriter = overrides.QueryRewriter
	}
	if overrides.Routing != "" {
		p.Routing = overrides.Routing
	}
	if overrides.Thinking != "" {
		p.Thinking = overrides.Thinking
	}
	if overrides.Chat != "" {
		p.Chat = overrides.Chat
	}
	return p
}
