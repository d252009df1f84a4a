// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 BananaFlow 各层共享的类型定义。

types 是最底层的公共包，不依赖任何内部包，llm、preset、quota、service
与 api 都通过它交换数据。

# 核心类型

  - ErrorKind / Error   - 封闭的失败分类与结构化错误（HTTP 状态、调试信息、Cause）
  - ClassifyRule         - 状态码 + 关键字的分类规则表，Classify / ClassifyStatus 使用
  - BackendKind          - 后端协议：google / openai / zai
  - ConnectionPreset     - 一组连接参数（后端、地址、模型、key 列表、流式开关）
  - GenerationConfig     - 单次生成的尺寸、比例、数量与调试开关
  - APIRequest           - 发往适配器的一次调用
  - GenResult            - 适配器返回的图片与文本

# 错误工具

  - NewError / Errorf 构造，WithCause / WithHTTPStatus / WithDebug 链式补充
  - AsError / KindOf 从任意 error 中取回分类
  - ErrorKind.Terminal / Chargeable / HTTPStatus 描述重试、计费与响应码语义
*/
package types
