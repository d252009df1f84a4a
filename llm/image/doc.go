// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 image 实现 BananaFlow 各上游生图协议的适配器。

# 概述

不同网关在请求格式、流式协议与图片返回方式上差异很大。本包把
它们统一成 Adapter 接口：输入 types.APIRequest，输出 types.GenResult
或 *types.Error。重试与换 Key 不在这里处理，由 llm.Orchestrator 负责。

# 适配器

  - GoogleAdapter：generateContent / streamGenerateContent，
    inlineData 传图，支持 thinking 与 googleSearch。
  - OpenAIAdapter：chat/completions、images/generations 与
    images/edits 三种形态自动路由，带 edits→generations 和
    b64_json→url 两条降级链。
  - ZaiAdapter：darkknight 签名头、手工 multipart 上传、
    SSE 增量拼接，GIF 模式轮询会话历史。

# 共享设施

  - Transport：按代理复用 http.Client，引用计数，只关闭一次。
  - ExtractImageURL / ExtractFromText：从各种响应结构中找图片地址。
  - Transport.Fetch：下载 URL 或解码 data URI。
  - SniffMime / DataURI：基于 mimetype 的图片类型识别。
*/
package image
